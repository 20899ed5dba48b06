//go:build linux && (amd64 || arm64)

package inproc

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModifyCurrentThread(t *testing.T) {
	t.Parallel()

	called := false
	ok := ModifyThread(CurrentThreadID(), func(ctx *CPUContext) {
		called = true
		assert.NotZero(t, ctx.PC())
		assert.NotZero(t, ctx.SP())
	})
	assert.True(t, ok)
	assert.True(t, called)
}

func TestModifyThreadMissing(t *testing.T) {
	t.Parallel()

	// A thread id that cannot exist in this process.
	assert.False(t, ModifyThread(1, func(_ *CPUContext) {}))
}

// startSpinner runs a tight loop on a locked OS thread and reports its
// kernel thread id. The loop leaves through stop.
func startSpinner(spins *uint64, stop *uint32) ThreadID {
	tidChan := make(chan ThreadID, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tidChan <- CurrentThreadID()
		for atomic.LoadUint32(stop) == 0 {
			atomic.AddUint64(spins, 1)
		}
	}()
	return <-tidChan
}

func advances(counter *uint64, within time.Duration) bool {
	before := atomic.LoadUint64(counter)
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if atomic.LoadUint64(counter) != before {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func settled(counter *uint64, within time.Duration) bool {
	// Allow in-flight progress to drain, then require a quiet period.
	time.Sleep(10 * time.Millisecond)
	before := atomic.LoadUint64(counter)
	time.Sleep(within)
	return atomic.LoadUint64(counter) == before
}

// The full cross-thread protocol against a live busy loop: capture the
// context, divert the thread into an emitted counting stub, steer its
// counter register, and put the original context back.
func TestModifyThreadCrossThread(t *testing.T) { //nolint:paralleltest
	// The diverted thread briefly runs outside the runtime's knowledge;
	// garbage collection stays off until it is back.
	previousGC := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(previousGC)

	allocator := NewCodeAllocator(64)
	defer allocator.Free()

	slice, errE := allocator.AllocSlice()
	require.NoError(t, errE, "% -+#.1v", errE)
	copy(slice.Data, counterIncStub)
	allocator.Commit()

	var spins uint64
	var stop uint32
	tid := startSpinner(&spins, &stop)
	defer atomic.StoreUint32(&stop, 1)

	require.True(t, advances(&spins, time.Second))

	counters := make([]uint64, 2)
	defer runtime.KeepAlive(&counters)

	// Capture, then divert into the counting stub.
	var saved CPUContext
	require.True(t, ModifyThread(tid, func(ctx *CPUContext) {
		saved = *ctx
		setScratchRegister(ctx, uintptr(unsafe.Pointer(&counters[0])))
		ctx.SetPC(uint64(slice.Address()))
	}))

	assert.True(t, advances(&counters[0], time.Second), "stub did not run")
	assert.True(t, settled(&spins, 50*time.Millisecond), "loop kept running after divert")

	// An untouched context must leave every register alone: the stub
	// keeps counting through the same pointer.
	require.True(t, ModifyThread(tid, func(_ *CPUContext) {}))
	assert.True(t, advances(&counters[0], time.Second))

	// Reading back returns what was written.
	var observed uintptr
	require.True(t, ModifyThread(tid, func(ctx *CPUContext) {
		observed = scratchRegister(ctx)
	}))
	assert.Equal(t, uintptr(unsafe.Pointer(&counters[0])), observed)

	// Adding exactly 8 moves the stub to the next cell and nothing else.
	require.True(t, ModifyThread(tid, func(ctx *CPUContext) {
		setScratchRegister(ctx, scratchRegister(ctx)+8)
	}))
	assert.True(t, advances(&counters[1], time.Second))
	assert.True(t, settled(&counters[0], 50*time.Millisecond))

	// Restore the captured context; the original loop picks up where it
	// was diverted.
	require.True(t, ModifyThread(tid, func(ctx *CPUContext) {
		*ctx = saved
	}))
	assert.True(t, advances(&spins, time.Second), "loop did not resume")

	atomic.StoreUint32(&stop, 1)
	assert.True(t, settled(&spins, 50*time.Millisecond))
}
