//go:build linux && (amd64 || arm64)

package inproc

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// One-byte acknowledgements exchanged between the calling thread and the
// cloned helper task over a socketpair. The child responds with one of
// the failure codes when a step of the ptrace dance goes wrong.
const (
	ackReady = 1 + iota
	ackReadContext
	ackModifiedContext
	ackWroteContext

	ackFailedToAttach
	ackFailedToWait
	ackFailedToStop
	ackFailedToRead
	ackFailedToWrite
	ackFailedToDetach
)

// modifyRequest is the parameter block shared with the helper task. The
// helper runs without any runtime support and addresses the block from
// assembly, so the field offsets are fixed:
//
//	0  tid
//	8  fd
//	16 useRegset
//	24 regsetBroken
//	32 status
//	40 regsSize
//	48 iovBase   \ together these form the iovec handed
//	56 iovLen    / to PTRACE_GETREGSET / PTRACE_SETREGSET
//	64 regs
type modifyRequest struct {
	tid          uint64
	fd           uint64
	useRegset    uint64
	regsetBroken uint64
	status       uint64
	regsSize     uint64
	iovBase      uint64
	iovLen       uint64
	regs         unix.PtraceRegs
}

// cloneModifyHelper clones a task outside the current thread group,
// sharing this address space, with its own stack and TLS block. The
// parent branch returns the child's id (negative = -errno). The child
// branch runs the register read/write protocol against req and exits
// through the exit syscall without ever returning into Go.
func cloneModifyHelper(req *modifyRequest, stackTop, tls uintptr) int64

// captureContext stores the calling thread's registers into ctx, with the
// program counter and stack pointer denoting the point right after the
// call. restoreContext loads ctx back into the CPU; with an unmodified
// ctx, execution reappears at the capture point exactly once more.
func captureContext(ctx *CPUContext)

func restoreContext(ctx *CPUContext)

// regsetUnsupported latches after the first GETREGSET failure that is not
// EPERM or ESRCH. It only ever transitions from false to true; the race
// on the first store is benign.
var regsetUnsupported atomic.Bool

// ModifyThread runs fn with mutable access to the CPU context of the
// given thread of the current process, which is kept suspended for the
// duration. It returns false when the thread cannot be modified right
// now; the condition is usually transient.
//
// For the calling thread itself the context is captured and restored in
// place; changing the program counter diverts execution at the restore
// point. For any other thread, a helper task is cloned outside this
// thread group to ptrace the target, since the kernel forbids tracing
// within one's own thread group.
func ModifyThread(id ThreadID, fn func(ctx *CPUContext)) bool {
	return modifyThread(id, fn)
}

func modifyThread(id ThreadID, fn func(ctx *CPUContext)) bool {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if id == CurrentThreadID() {
		return modifyCurrentThread(fn)
	}
	return modifyOtherThread(id, fn)
}

//go:noinline
func modifyCurrentThread(fn func(ctx *CPUContext)) bool {
	var ctx CPUContext
	var resumed int32

	captureContext(&ctx)
	// After restoreContext the thread reappears here with resumed set;
	// the flag goes through its address so the re-read hits the stack
	// slot and not a stale register.
	if atomic.LoadInt32(&resumed) == 0 {
		atomic.StoreInt32(&resumed, 1)
		fn(&ctx)
		restoreContext(&ctx)
	}

	return true
}

func modifyOtherThread(id ThreadID, fn func(ctx *CPUContext)) bool {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}

	stack, errE := allocPages(1, protRW)
	if errE != nil {
		closePair(fds)
		return false
	}
	tls, errE := allocPages(1, protRW)
	if errE != nil {
		freePages(stack)
		closePair(fds)
		return false
	}

	req := &modifyRequest{} //nolint:exhaustruct
	req.tid = uint64(id)
	req.fd = uint64(fds[1])
	if !regsetUnsupported.Load() {
		req.useRegset = 1
	}
	req.regsSize = uint64(unsafe.Sizeof(req.regs))
	req.iovBase = uint64(uintptr(unsafe.Pointer(&req.regs)))

	success := false

	child := cloneModifyHelper(req, sliceAddress(stack)+uintptr(len(stack)), sliceAddress(tls))
	if child > 0 {
		acquireDumpability()

		// Allow the helper to trace us even under Yama.
		_ = unix.Prctl(unix.PR_SET_PTRACER, uintptr(child), 0, 0, 0)

		putAck(fds[0], ackReady)

		if awaitAck(fds[0], ackReadContext) {
			var ctx CPUContext
			parseRegs(&req.regs, &ctx)
			fn(&ctx)
			unparseRegs(&ctx, &req.regs)

			putAck(fds[0], ackModifiedContext)

			success = awaitAck(fds[0], ackWroteContext)
		}

		releaseDumpability()

		if req.regsetBroken != 0 {
			regsetUnsupported.Store(true)
		}

		var status int32
		for {
			res := rawWaitpid(int(child), &status, waitClone)
			if res != -int64(unix.EINTR) {
				break
			}
		}
	}

	runtime.KeepAlive(req)

	freePages(tls)
	freePages(stack)
	closePair(fds)

	return success
}

func closePair(fds [2]int) {
	_ = unix.Close(fds[0])
	_ = unix.Close(fds[1])
}

func awaitAck(fd int, expected byte) bool {
	var buf [1]byte
	res := retryOnEINTR(func() int64 {
		return rawRead(fd, buf[:])
	})
	return res == 1 && buf[0] == expected
}

func putAck(fd int, ack byte) {
	buf := [1]byte{ack}
	_ = retryOnEINTR(func() int64 {
		return rawWrite(fd, buf[:])
	})
}
