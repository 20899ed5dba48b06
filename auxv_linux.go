//go:build linux && (amd64 || arm64)

package inproc

import (
	"os"
	"strings"
	"sync"
	"unsafe"
)

// Auxiliary vector entry types we care about.
const (
	auxvNull        = 0  // AT_NULL
	auxvPhdr        = 3  // AT_PHDR
	auxvPhent       = 4  // AT_PHENT
	auxvPhnum       = 5  // AT_PHNUM
	auxvBase        = 7  // AT_BASE
	auxvSysinfoEhdr = 33 // AT_SYSINFO_EHDR
)

type auxvEntry struct {
	Type  uintptr
	Value uintptr
}

// Native ELF structures, read in place from mapped images.
type elfEhdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uintptr
	Phoff     uintptr
	Shoff     uintptr
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfPhdr struct {
	Type   uint32
	Flags  uint32
	Off    uintptr
	Vaddr  uintptr
	Paddr  uintptr
	Filesz uintptr
	Memsz  uintptr
	Align  uintptr
}

const (
	elfPtLoad = 1
	elfPtPhdr = 6
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

type programRanges struct {
	program     MemoryRange
	interpreter MemoryRange
	vdso        MemoryRange
}

var (
	programModulesOnce  sync.Once
	programModulesValue *ProgramModules
)

// QueryProgramModules returns descriptors for the program itself, its
// interpreter and the vDSO. The result is computed once per process by
// cross-checking the kernel's auxv against a scan of the main thread
// stack: when both succeed with differing program bases, the kernel view
// actually describes the interpreter, and the stack view wins.
func QueryProgramModules() *ProgramModules {
	programModulesOnce.Do(func() {
		programModulesValue = queryProgramModules()
	})
	return programModulesValue
}

func queryProgramModules() *ProgramModules {
	kern, gotKern := queryProgramRanges(readAuxvFromProc)
	user, gotUser := queryProgramRanges(readAuxvFromStack)

	var ranges programRanges
	switch {
	case gotKern && gotUser && user.program.Base != kern.program.Base:
		ranges = user
		ranges.interpreter = kern.program
	case gotKern:
		ranges = kern
	default:
		ranges = user
	}

	pm := &ProgramModules{} //nolint:exhaustruct
	pm.Program.Range = ranges.program
	pm.Interpreter.Range = ranges.interpreter
	pm.VDSO.Range = ranges.vdso
	if ranges.interpreter.Base == 0 {
		pm.RTLD = RTLDNone
	} else {
		pm.RTLD = RTLDShared
	}

	iter := newProcMapsIterForSelf()
	defer iter.destroy()
	for {
		line, ok := iter.next()
		if !ok {
			break
		}
		record, ok := parseMapsLine(line)
		if !ok {
			continue
		}

		var m *Module
		switch record.Start {
		case ranges.program.Base:
			m = &pm.Program
		case ranges.interpreter.Base:
			m = &pm.Interpreter
		default:
			continue
		}

		m.Path = record.Path
		if i := strings.LastIndexByte(record.Path, '/'); i >= 0 {
			m.Name = record.Path[i+1:]
		} else {
			m.Name = record.Path
		}
	}

	if ranges.vdso.Base != 0 {
		pm.VDSO.Path = vdsoModuleName
		pm.VDSO.Name = vdsoModuleName
	}

	return pm
}

func queryProgramRanges(readAuxv func() []auxvEntry) (programRanges, bool) {
	var ranges programRanges

	auxv := readAuxv()
	if auxv == nil {
		return ranges, false
	}

	var phdrs, interpreter, vdso uintptr
	var phdrSize, phdrCount int
	for _, entry := range auxv {
		switch entry.Type {
		case auxvPhdr:
			phdrs = entry.Value
		case auxvPhent:
			phdrSize = int(entry.Value)
		case auxvPhnum:
			phdrCount = int(entry.Value)
		case auxvBase:
			interpreter = entry.Value
		case auxvSysinfoEhdr:
			vdso = entry.Value
		}
	}
	if phdrs == 0 || phdrSize == 0 || phdrCount == 0 {
		return ranges, false
	}

	ranges.program = computeELFRangeFromPhdrs(phdrs, phdrSize, phdrCount, 0)
	ranges.interpreter = computeELFRangeFromEhdr(interpreter)
	ranges.vdso = computeELFRangeFromEhdr(vdso)

	return ranges, true
}

// readAuxvFromProc reads the kernel's view of the auxiliary vector. The
// read runs under the dumpability guard: hardened systems refuse it for
// non-dumpable processes.
func readAuxvFromProc() []auxvEntry {
	acquireDumpability()
	data, err := os.ReadFile("/proc/self/auxv")
	releaseDumpability()
	if err != nil {
		return nil
	}

	entrySize := int(unsafe.Sizeof(auxvEntry{})) //nolint:exhaustruct
	count := len(data) / entrySize
	if count == 0 {
		return nil
	}

	auxv := make([]auxvEntry, count)
	for i := range auxv {
		base := i * entrySize
		auxv[i].Type = uintptr(nativeEndian.Uint64(data[base:]))
		auxv[i].Value = uintptr(nativeEndian.Uint64(data[base+8:]))
	}
	return auxv
}

// readAuxvFromStack recovers the auxiliary vector by scanning the main
// thread stack for the last (AT_PHENT, sizeof(phdr)) pair, then widening
// to a plausible start (an entry preceded by a type at or above the page
// size is rejected as invalid) and to the AT_NULL terminator. The
// heuristic is probabilistic; callers cross-check it against the kernel
// view when both reads succeed.
func readAuxvFromStack() []auxvEntry {
	stack, ok := queryMainThreadStackRange()
	if !ok {
		return nil
	}

	words := unsafe.Slice((*uintptr)(unsafe.Pointer(stack.Base)), stack.Size/unsafe.Sizeof(uintptr(0)))

	phdrSize := uintptr(unsafe.Sizeof(elfPhdr{})) //nolint:exhaustruct
	lastMatch := -1
	for i := 0; i+1 < len(words); i++ {
		if words[i] == auxvPhent && words[i+1] == phdrSize {
			lastMatch = i
		}
	}
	if lastMatch == -1 {
		return nil
	}

	pageSz := uintptr(pageSize())
	start := 0
	for i := lastMatch - 2; i >= 0; i -= 2 {
		probablyAnInvalidType := words[i] >= pageSz
		if probablyAnInvalidType {
			start = i + 2
			break
		}
	}

	end := -1
	for i := lastMatch + 2; i+1 < len(words); i += 2 {
		if words[i] == auxvNull {
			end = i + 2
			break
		}
	}
	if end == -1 {
		return nil
	}

	auxv := make([]auxvEntry, 0, (end-start)/2)
	for i := start; i < end; i += 2 {
		auxv = append(auxv, auxvEntry{Type: words[i], Value: words[i+1]})
	}
	return auxv
}

func queryMainThreadStackRange() (MemoryRange, bool) {
	iter := newProcMapsIterForSelf()
	defer iter.destroy()

	for {
		line, ok := iter.next()
		if !ok {
			return MemoryRange{}, false //nolint:exhaustruct
		}
		record, ok := parseMapsLine(line)
		if !ok {
			continue
		}
		if record.Path == "[stack]" {
			return record.memoryRange(), true
		}
	}
}

func computeELFRangeFromEhdr(ehdr uintptr) MemoryRange {
	if ehdr == 0 {
		return MemoryRange{} //nolint:exhaustruct
	}
	h := (*elfEhdr)(unsafe.Pointer(ehdr))
	return computeELFRangeFromPhdrs(ehdr+h.Phoff, int(h.Phentsize), int(h.Phnum), ehdr)
}

// computeELFRangeFromPhdrs derives the in-memory span of an ELF image from
// its program headers: the base comes from PT_PHDR when present, else from
// the first PT_LOAD with a zero offset, else from the given header address
// (or the page containing the headers); the size spans from the lowest
// PT_LOAD page to the highest PT_LOAD end.
func computeELFRangeFromPhdrs(phdrs uintptr, phdrSize, phdrCount int, baseAddress uintptr) MemoryRange {
	var r MemoryRange

	lowest := ^uintptr(0)
	highest := uintptr(0)

	for i := 0; i != phdrCount; i++ {
		phdr := (*elfPhdr)(unsafe.Pointer(phdrs + uintptr(i*phdrSize)))

		if phdr.Type == elfPtPhdr {
			r.Base = phdrs - phdr.Off
		}

		if phdr.Type == elfPtLoad && phdr.Off == 0 {
			if r.Base == 0 {
				r.Base = phdr.Vaddr
			}
		}

		if phdr.Type == elfPtLoad {
			if start := pageStart(phdr.Vaddr); start < lowest {
				lowest = start
			}
			if end := phdr.Vaddr + phdr.Memsz; end > highest {
				highest = end
			}
		}
	}

	if r.Base == 0 {
		if baseAddress != 0 {
			r.Base = baseAddress
		} else {
			r.Base = pageStart(phdrs)
		}
	}

	r.Size = highest - lowest

	return r
}
