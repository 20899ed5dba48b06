//go:build linux && (amd64 || arm64)

package inproc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawSyscall6 enters the kernel directly, bypassing the Go runtime's
// syscall wrappers. It returns the raw kernel value: negative results are
// -errno. It must stay usable from code that runs without any runtime
// support, which is why it is written in assembly and keeps no state.
//
//go:noescape
func rawSyscall6(trap, a1, a2, a3, a4, a5, a6 uintptr) int64

const (
	// Linux wait options for tasks cloned without CLONE_THREAD.
	waitAll   = 0x40000000 // __WALL
	waitClone = 0x80000000 // __WCLONE
)

func rawRead(fd int, buf []byte) int64 {
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	return rawSyscall6(unix.SYS_READ, uintptr(fd), uintptr(p), uintptr(len(buf)), 0, 0, 0)
}

func rawWrite(fd int, buf []byte) int64 {
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	return rawSyscall6(unix.SYS_WRITE, uintptr(fd), uintptr(p), uintptr(len(buf)), 0, 0, 0)
}

func rawWaitpid(pid int, status *int32, options int) int64 {
	return rawSyscall6(unix.SYS_WAIT4, uintptr(pid), uintptr(unsafe.Pointer(status)), uintptr(options), 0, 0, 0)
}

// retryOnEINTR re-issues an interrupted read or write, the way the child
// task does it, so both sides of the ack protocol behave the same.
func retryOnEINTR(fn func() int64) int64 {
	for {
		res := fn()
		if res != -int64(unix.EINTR) {
			return res
		}
	}
}
