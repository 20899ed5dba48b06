//go:build linux && arm64

package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// Machine-code stubs used by the thread-modification and allocator tests.
var (
	// ret
	returnStub = []byte{0xC0, 0x03, 0x5F, 0xD6}
	// loop: ldr x10, [x9]; add x10, x10, #1; str x10, [x9]; b loop
	counterIncStub = []byte{
		0x2A, 0x01, 0x40, 0xF9,
		0x4A, 0x05, 0x00, 0x91,
		0x2A, 0x01, 0x00, 0xF9,
		0xFD, 0xFF, 0xFF, 0x17,
	}
)

// The counter stub keeps its counter pointer in x9.
func setScratchRegister(ctx *CPUContext, value uintptr) {
	ctx.X[9] = uint64(value)
}

func scratchRegister(ctx *CPUContext) uintptr {
	return uintptr(ctx.X[9])
}

func TestParseUnparseRegsRoundTrip(t *testing.T) {
	t.Parallel()

	var regs unix.PtraceRegs
	for i := range regs.Regs {
		regs.Regs[i] = uint64(0x1000 + i)
	}
	regs.Sp = 0x2222
	regs.Pc = 0x3333
	regs.Pstate = 0x60000000

	original := regs

	var ctx CPUContext
	parseRegs(&regs, &ctx)

	assert.Equal(t, uint64(0x3333), ctx.PC())
	assert.Equal(t, uint64(0x2222), ctx.SP())
	assert.Equal(t, uint64(0x1000+29), ctx.Fp)
	assert.Equal(t, uint64(0x1000+30), ctx.Lr)

	unparseRegs(&ctx, &regs)
	assert.Equal(t, original, regs)
}
