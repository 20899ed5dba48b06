//go:build linux && arm64

package inproc

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

var nativeEndian = binary.LittleEndian

// CPUContext is the arm64 register bundle exposed to thread-modification
// callbacks. Vector registers are not part of the contract. Field order
// is fixed: the context capture and restore assembly addresses fields by
// offset.
type CPUContext struct {
	Pc    uint64     // 0
	Sp    uint64     // 8
	Nzcv  uint64     // 16
	X     [29]uint64 // 24
	Fp    uint64     // 256
	Lr    uint64     // 264
}

// PC returns the program counter.
func (c *CPUContext) PC() uint64 { return c.Pc }

// SetPC sets the program counter.
func (c *CPUContext) SetPC(pc uint64) { c.Pc = pc }

// SP returns the stack pointer.
func (c *CPUContext) SP() uint64 { return c.Sp }

// SetSP sets the stack pointer.
func (c *CPUContext) SetSP(sp uint64) { c.Sp = sp }

// parseRegs converts a ptrace register dump into a CPUContext.
func parseRegs(regs *unix.PtraceRegs, ctx *CPUContext) {
	ctx.Pc = regs.Pc
	ctx.Sp = regs.Sp
	ctx.Nzcv = regs.Pstate

	for i := range ctx.X {
		ctx.X[i] = regs.Regs[i]
	}
	ctx.Fp = regs.Regs[29]
	ctx.Lr = regs.Regs[30]
}

// unparseRegs writes a CPUContext back over a ptrace register dump.
func unparseRegs(ctx *CPUContext, regs *unix.PtraceRegs) {
	regs.Pc = ctx.Pc
	regs.Sp = ctx.Sp
	regs.Pstate = ctx.Nzcv

	for i := range ctx.X {
		regs.Regs[i] = ctx.X[i]
	}
	regs.Regs[29] = ctx.Fp
	regs.Regs[30] = ctx.Lr
}
