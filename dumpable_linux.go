//go:build linux && (amd64 || arm64)

package inproc

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Some systems (notably Android on release builds) spawn processes as not
// dumpable, which blocks ptrace on same-UID processes and occasionally
// reads of /proc/self/auxv. The guard forces dumpability on for the
// duration of such operations and restores the previous value afterwards.
// Acquire/release pairs nest; the flag is touched only on the outermost
// transition.
var (
	dumpableMutex    sync.Mutex
	dumpableRefcount int
	dumpablePrevious int
)

func acquireDumpability() {
	dumpableMutex.Lock()
	defer dumpableMutex.Unlock()

	dumpableRefcount++
	if dumpableRefcount == 1 {
		previous, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
		if err != nil {
			previous = -1
		}
		dumpablePrevious = previous
		if previous != -1 && previous != 1 {
			_ = unix.Prctl(unix.PR_SET_DUMPABLE, 1, 0, 0, 0)
		}
	}
}

func releaseDumpability() {
	dumpableMutex.Lock()
	defer dumpableMutex.Unlock()

	dumpableRefcount--
	if dumpableRefcount == 0 {
		if dumpablePrevious != -1 && dumpablePrevious != 1 {
			_ = unix.Prctl(unix.PR_SET_DUMPABLE, uintptr(dumpablePrevious), 0, 0, 0)
		}
	}
}
