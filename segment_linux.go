//go:build linux && (amd64 || arm64)

package inproc

import (
	"unsafe"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// codeSegment backs executable memory on systems that refuse pages that
// are writable and executable at the same time. The bytes live in an
// anonymous memfd mapped read-write at the address the code will run at;
// realize seals the file and mapExecutable swings the very same content
// in as read-execute, in place.
type codeSegment struct {
	fd     int
	size   int
	shadow []byte
}

func newCodeSegment(size int, spec *AddressSpec) (*codeSegment, errors.E) {
	name := "inproc-code-" + uuid.NewString()
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.WithMessage(err, "memfd create")
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "ftruncate")
	}

	var shadow []byte
	if spec != nil {
		var errE errors.E
		shadow, errE = mmapNear(fd, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, *spec)
		if errE != nil {
			_ = unix.Close(fd)
			return nil, errE
		}
	} else {
		shadow, err = mmapRaw(fd, 0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = unix.Close(fd)
			return nil, errors.WithMessage(err, "mmap")
		}
	}

	return &codeSegment{
		fd:     fd,
		size:   size,
		shadow: shadow,
	}, nil
}

func (s *codeSegment) address() uintptr {
	return sliceAddress(s.shadow)
}

// realize freezes the segment's size. Content writes stay possible until
// mapExecutable replaces the writable view.
func (s *codeSegment) realize() {
	_, _ = unix.FcntlInt(uintptr(s.fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW)
}

// mapExecutable replaces the writable view with a read-execute mapping of
// the same file content, at the same address.
func (s *codeSegment) mapExecutable() errors.E {
	addr := unsafe.Pointer(s.address()) //nolint:govet,gosec
	_, err := unix.MmapPtr(s.fd, 0, addr, uintptr(s.size),
		unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return errors.WithMessage(err, "mmap fixed")
	}
	return nil
}

func (s *codeSegment) free() {
	freePages(s.shadow)
	_ = unix.Close(s.fd)
}
