//go:build linux && (amd64 || arm64)

package inproc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plantFakeModule maps one executable page that looks like the start of a
// loaded ELF object: magic, a nonzero class/encoding block, and pristine
// zero padding where a cave is expected.
func plantFakeModule(t *testing.T) uintptr {
	t.Helper()

	page, errE := allocPages(1, protRW)
	require.NoError(t, errE, "% -+#.1v", errE)
	t.Cleanup(func() { freePages(page) })

	copy(page, elfMagic[:])
	page[4] = 2 // class
	page[5] = 1 // encoding
	page[6] = 1 // version
	for i := caveSize + 8; i < len(page); i++ {
		page[i] = 0xCC
	}

	errE = mprotectRange(sliceAddress(page), uintptr(len(page)), protRX)
	require.NoError(t, errE, "% -+#.1v", errE)

	return sliceAddress(page)
}

func TestProbeRangeForCodeCave(t *testing.T) { //nolint:paralleltest
	base := plantFakeModule(t)

	cave, errE := probeRangeForCodeCave(AddressSpec{
		NearAddress: base,
		MaxDistance: 1 << 20,
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	// Whatever mapping won, the cave sits right past its identification
	// bytes and is all zero.
	padding := unsafe.Slice((*byte)(unsafe.Pointer(cave)), caveSize)
	for _, b := range padding {
		assert.Zero(t, b)
	}
	assert.True(t, hasELFMagic(cave-caveSize))
}

func TestProbeRangeForCodeCaveOutOfReach(t *testing.T) {
	t.Parallel()

	_, errE := probeRangeForCodeCave(AddressSpec{
		NearAddress: 0x1000,
		MaxDistance: 16,
	})
	assert.ErrorIs(t, errE, ErrCaveNotFound)
}

func TestAllocDeflector(t *testing.T) { //nolint:paralleltest
	base := plantFakeModule(t)

	allocator := NewCodeAllocator(64)
	defer allocator.Free()

	caller := AddressSpec{
		NearAddress: base,
		MaxDistance: 1 << 20,
	}

	const (
		returnAddress1 = uintptr(0x700000001000)
		target1        = uintptr(0x700000002000)
		returnAddress2 = uintptr(0x700000003000)
		target2        = uintptr(0x700000004000)
	)

	deflector1, errE := allocator.AllocDeflector(caller, returnAddress1, target1)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, allocator.dispatchers, 1)

	dispatcher := allocator.dispatchers[0]
	assert.Equal(t, dispatcher.trampoline, deflector1.Trampoline)
	assert.Equal(t, dispatcher.address, dispatcher.trampoline)

	caveBefore := make([]byte, caveSize)
	copy(caveBefore, unsafe.Slice((*byte)(unsafe.Pointer(dispatcher.address)), caveSize))
	assert.NotEqual(t, make([]byte, caveSize), caveBefore, "cave was not patched")

	// A second deflector in the same window shares the dispatcher.
	deflector2, errE := allocator.AllocDeflector(caller, returnAddress2, target2)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Len(t, allocator.dispatchers, 1)
	assert.Equal(t, deflector1.Trampoline, deflector2.Trampoline)

	// Lookup resolves by exact return address, and only by that.
	assert.Equal(t, target1, dispatcher.lookup(returnAddress1))
	assert.Equal(t, target2, dispatcher.lookup(returnAddress2))
	assert.Zero(t, dispatcher.lookup(returnAddress1+4))

	// The published table mirrors the caller list, zero-terminated.
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(sliceAddress(dispatcher.table))), 5)
	assert.Equal(t, returnAddress1, words[0])
	assert.Equal(t, target1, words[1])
	assert.Equal(t, returnAddress2, words[2])
	assert.Equal(t, target2, words[3])
	assert.Zero(t, words[4])

	deflector2.Free()
	require.Len(t, allocator.dispatchers, 1)
	assert.Zero(t, dispatcher.lookup(returnAddress2))
	assert.Equal(t, target1, dispatcher.lookup(returnAddress1))

	// Freeing the last deflector tears the dispatcher down and restores
	// the cave byte for byte.
	caveAddress := dispatcher.address
	deflector1.Free()
	assert.Empty(t, allocator.dispatchers)

	restored := unsafe.Slice((*byte)(unsafe.Pointer(caveAddress)), caveSize)
	assert.Equal(t, make([]byte, caveSize), []byte(restored))
}

func TestDeflectorThunkEmission(t *testing.T) { //nolint:paralleltest
	thunk, errE := allocPages(1, protRW)
	require.NoError(t, errE, "% -+#.1v", errE)
	defer freePages(thunk)

	table, errE := tryAllocPagesNear(1, protRW, AddressSpec{
		NearAddress: sliceAddress(thunk),
		MaxDistance: deflectorTableReach,
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	defer freePages(table)

	length := emitDeflectorThunk(thunk, sliceAddress(table))
	assert.Greater(t, length, 0)
	assert.LessOrEqual(t, length, 64)

	// Emitted code is position-dependent but deterministic in shape:
	// re-emitting over the same addresses yields identical bytes.
	again := make([]byte, len(thunk))
	copy(again, thunk)
	emitDeflectorThunk(thunk, sliceAddress(table))
	assert.Equal(t, again[:length], thunk[:length])
}

func TestEmitCaveJumpFitsCave(t *testing.T) {
	t.Parallel()

	var buf [caveSize]byte
	emitCaveJump(buf[:], 0x7f0000001008, 0x7f0000100000)
	assert.NotEqual(t, [caveSize]byte{}, buf)
}
