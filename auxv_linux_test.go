//go:build linux && (amd64 || arm64)

package inproc

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryProgramModules(t *testing.T) {
	t.Parallel()

	pm := QueryProgramModules()
	require.NotNil(t, pm)

	assert.NotZero(t, pm.Program.Range.Base)
	assert.NotZero(t, pm.Program.Range.Size)
	assert.NotEmpty(t, pm.Program.Path)
	assert.NotEmpty(t, pm.Program.Name)

	assert.NotZero(t, pm.VDSO.Range.Base)
	assert.Equal(t, vdsoModuleName, pm.VDSO.Path)
	assert.Equal(t, vdsoModuleName, pm.VDSO.Name)

	if pm.RTLD == RTLDShared {
		assert.NotZero(t, pm.Interpreter.Range.Base)
		// Program and interpreter occupy disjoint ranges.
		assert.False(t, pm.Program.Range.Contains(pm.Interpreter.Range.Base))
		assert.False(t, pm.Interpreter.Range.Contains(pm.Program.Range.Base))
	}

	// Memoized: the same value every time.
	assert.Same(t, pm, QueryProgramModules())
}

func TestReadAuxvBothSources(t *testing.T) {
	t.Parallel()

	kern := readAuxvFromProc()
	require.NotNil(t, kern)

	user := readAuxvFromStack()
	if user == nil {
		t.Skip("stack scan found no auxv; nothing to cross-check")
	}

	// Both views must agree on the vDSO, which ASLR places once.
	var kernVdso, userVdso uintptr
	for _, entry := range kern {
		if entry.Type == auxvSysinfoEhdr {
			kernVdso = entry.Value
		}
	}
	for _, entry := range user {
		if entry.Type == auxvSysinfoEhdr {
			userVdso = entry.Value
		}
	}
	assert.Equal(t, kernVdso, userVdso)
}

func TestComputeELFRangeFromPhdrsRoundTrip(t *testing.T) {
	t.Parallel()

	// A synthetic image: headers at a known address, two loads.
	phdrs := []elfPhdr{
		{
			Type:  elfPtPhdr,
			Off:   0x40,
			Vaddr: 0x400040,
		},
		{
			Type:   elfPtLoad,
			Off:    0,
			Vaddr:  0x400000,
			Filesz: 0x1000,
			Memsz:  0x1000,
		},
		{
			Type:   elfPtLoad,
			Off:    0x1000,
			Vaddr:  0x402000,
			Filesz: 0x800,
			Memsz:  0x2000,
		},
	}

	phdrSize := int(unsafe.Sizeof(elfPhdr{}))
	address := uintptr(unsafe.Pointer(&phdrs[0]))

	first := computeELFRangeFromPhdrs(address, phdrSize, len(phdrs), 0)
	assert.Equal(t, address-0x40, first.Base)
	assert.Equal(t, uintptr(0x404000-0x400000), first.Size)

	// Recomputing from the same headers yields the identical range.
	second := computeELFRangeFromPhdrs(address, phdrSize, len(phdrs), 0)
	assert.Equal(t, first, second)
}

func TestComputeELFRangeFallbackBase(t *testing.T) {
	t.Parallel()

	// No PT_PHDR and no zero-offset load: the base falls back to the
	// given header address.
	phdrs := []elfPhdr{
		{
			Type:   elfPtLoad,
			Off:    0x1000,
			Vaddr:  0x1000,
			Filesz: 0x1000,
			Memsz:  0x1000,
		},
	}

	address := uintptr(unsafe.Pointer(&phdrs[0]))
	r := computeELFRangeFromPhdrs(address, int(unsafe.Sizeof(elfPhdr{})), len(phdrs), 0x7000)
	assert.Equal(t, uintptr(0x7000), r.Base)
	assert.Equal(t, uintptr(0x2000-pageStart(0x1000)), r.Size)
}

func ExampleQueryProgramModules() {
	pm := QueryProgramModules()
	fmt.Println(pm.VDSO.Name)
	// Output: linux-vdso.so.1
}
