package inproc

import (
	"gitlab.com/tozd/go/errors"
)

var (
	// ErrNotFound means a file, module, or symbol is absent.
	ErrNotFound = errors.Base("not found")
	// ErrPermissionDenied means the OS denied access (dumpability, ptrace).
	ErrPermissionDenied = errors.Base("permission denied")
	// ErrNotSupported means an unrecognized architecture or ELF encoding,
	// or an operation that needs a runtime linker when none is installed.
	ErrNotSupported = errors.Base("not supported")
	// ErrCaveNotFound means no usable code cave exists within reach.
	ErrCaveNotFound = errors.Base("no code cave within reach")
	// ErrOutOfReach means no allocation satisfying the address spec exists.
	ErrOutOfReach = errors.Base("no memory within reach")
)
