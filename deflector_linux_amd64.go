//go:build linux && amd64

package inproc

import (
	"encoding/binary"
)

const (
	// The cave holds a jmp rel32, so the thunk must stay within 2 GiB of
	// it; same story for the thunk's rip-relative view of its table.
	deflectorThunkReach = 1 << 30
	deflectorTableReach = 1 << 30
)

// emitDeflectorThunk writes the dispatch sequence entered from the cave.
// The diverted call's return address is on top of the stack; the code
// scans the zero-terminated (returnAddress, target) table and branches to
// the matched target. An unmatched return address returns to the caller.
//
//	mov  r11, [rsp]
//	lea  r10, [rip+table]
//	loop: cmp [r10], r11
//	      je  match
//	      cmp qword [r10], 0
//	      je  miss
//	      add r10, 16
//	      jmp loop
//	match: mov r10, [r10+8]
//	       jmp r10
//	miss:  ret
func emitDeflectorThunk(thunk []byte, tableAddress uintptr) int {
	base := sliceAddress(thunk)
	n := 0

	n += copy(thunk[n:], []byte{0x4C, 0x8B, 0x1C, 0x24}) // mov r11, [rsp]

	disp := int32(int64(tableAddress) - int64(base) - int64(n+7))
	thunk[n], thunk[n+1], thunk[n+2] = 0x4C, 0x8D, 0x15 // lea r10, [rip+disp32]
	binary.LittleEndian.PutUint32(thunk[n+3:], uint32(disp))
	n += 7

	n += copy(thunk[n:], []byte{
		0x4D, 0x39, 0x1A, // cmp [r10], r11
		0x74, 0x0C, // je match
		0x49, 0x83, 0x3A, 0x00, // cmp qword [r10], 0
		0x74, 0x0D, // je miss
		0x49, 0x83, 0xC2, 0x10, // add r10, 16
		0xEB, 0xEF, // jmp loop
		0x4D, 0x8B, 0x52, 0x08, // match: mov r10, [r10+8]
		0x41, 0xFF, 0xE2, // jmp r10
		0xC3, // miss: ret
	})

	return n
}

// emitCaveJump fills the 8-byte cave image with a jmp rel32 to the thunk.
func emitCaveJump(buf []byte, caveAddress, thunkAddress uintptr) {
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(int64(thunkAddress)-int64(caveAddress)-5)))
}
