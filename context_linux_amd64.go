//go:build linux && amd64

package inproc

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

var nativeEndian = binary.LittleEndian

// CPUContext is the amd64 register bundle exposed to thread-modification
// callbacks. Vector registers are not part of the contract. Field order
// is fixed: the context capture and restore assembly addresses fields by
// offset.
type CPUContext struct {
	Rip uint64 // 0

	R15 uint64 // 8
	R14 uint64 // 16
	R13 uint64 // 24
	R12 uint64 // 32
	R11 uint64 // 40
	R10 uint64 // 48
	R9  uint64 // 56
	R8  uint64 // 64

	Rdi uint64 // 72
	Rsi uint64 // 80
	Rbp uint64 // 88
	Rsp uint64 // 96
	Rbx uint64 // 104
	Rdx uint64 // 112
	Rcx uint64 // 120
	Rax uint64 // 128

	Rflags uint64 // 136
}

// PC returns the instruction pointer.
func (c *CPUContext) PC() uint64 { return c.Rip }

// SetPC sets the instruction pointer.
func (c *CPUContext) SetPC(pc uint64) { c.Rip = pc }

// SP returns the stack pointer.
func (c *CPUContext) SP() uint64 { return c.Rsp }

// SetSP sets the stack pointer.
func (c *CPUContext) SetSP(sp uint64) { c.Rsp = sp }

// parseRegs converts a ptrace register dump into a CPUContext.
func parseRegs(regs *unix.PtraceRegs, ctx *CPUContext) {
	ctx.Rip = regs.Rip

	ctx.R15 = regs.R15
	ctx.R14 = regs.R14
	ctx.R13 = regs.R13
	ctx.R12 = regs.R12
	ctx.R11 = regs.R11
	ctx.R10 = regs.R10
	ctx.R9 = regs.R9
	ctx.R8 = regs.R8

	ctx.Rdi = regs.Rdi
	ctx.Rsi = regs.Rsi
	ctx.Rbp = regs.Rbp
	ctx.Rsp = regs.Rsp
	ctx.Rbx = regs.Rbx
	ctx.Rdx = regs.Rdx
	ctx.Rcx = regs.Rcx
	ctx.Rax = regs.Rax

	ctx.Rflags = regs.Eflags
}

// unparseRegs writes a CPUContext back over a ptrace register dump,
// leaving segment selectors and the rest untouched.
func unparseRegs(ctx *CPUContext, regs *unix.PtraceRegs) {
	regs.Rip = ctx.Rip

	regs.R15 = ctx.R15
	regs.R14 = ctx.R14
	regs.R13 = ctx.R13
	regs.R12 = ctx.R12
	regs.R11 = ctx.R11
	regs.R10 = ctx.R10
	regs.R9 = ctx.R9
	regs.R8 = ctx.R8

	regs.Rdi = ctx.Rdi
	regs.Rsi = ctx.Rsi
	regs.Rbp = ctx.Rbp
	regs.Rsp = ctx.Rsp
	regs.Rbx = ctx.Rbx
	regs.Rdx = ctx.Rdx
	regs.Rcx = ctx.Rcx
	regs.Rax = ctx.Rax

	regs.Eflags = ctx.Rflags
}
