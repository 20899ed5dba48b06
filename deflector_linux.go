//go:build linux && (amd64 || arm64)

package inproc

import (
	"sync/atomic"
	"unsafe"

	"gitlab.com/tozd/go/errors"
)

// A code cave is the run of padding inside an ELF identification block:
// the 8 bytes at offset 8, past the magic, class, encoding, version and
// OS ABI bytes, are normally zero and are never executed. The probe only
// uses them while they are still all zero.
const caveSize = 8

// CodeDeflector forwards a call from a reach-limited caller site to an
// arbitrary target. Callers branch to Trampoline; the dispatcher behind
// it diverts execution to Target when the return address on entry equals
// ReturnAddress.
type CodeDeflector struct {
	ReturnAddress uintptr
	Target        uintptr
	Trampoline    uintptr

	allocator *CodeAllocator
}

// deflectorDispatcher is the per-cave indirect-branch helper shared by
// all deflectors whose caller windows overlap that cave. The cave holds a
// tiny branch to the thunk page; the thunk scans the caller table and
// branches to the matched target.
type deflectorDispatcher struct {
	callers []*CodeDeflector

	address    uintptr
	trampoline uintptr
	thunk      []byte
	table      []byte
	tableLen   int

	originalData [caveSize]byte
}

// AllocDeflector installs (or reuses) a dispatcher within reach of the
// caller window and registers the returnAddress → target rewrite with it.
// Access must be serialized by the caller; the installed trampoline
// itself is callable from any thread at any time.
func (a *CodeAllocator) AllocDeflector(caller AddressSpec, returnAddress, target uintptr) (*CodeDeflector, errors.E) {
	var dispatcher *deflectorDispatcher
	for _, d := range a.dispatchers {
		if addressDistance(d.address, caller.NearAddress) <= caller.MaxDistance {
			dispatcher = d
			break
		}
	}

	if dispatcher == nil {
		d, errE := newDeflectorDispatcher(caller)
		if errE != nil {
			return nil, errE
		}
		a.dispatchers = append(a.dispatchers, d)
		dispatcher = d
	}

	deflector := &CodeDeflector{
		ReturnAddress: returnAddress,
		Target:        target,
		Trampoline:    dispatcher.trampoline,
		allocator:     a,
	}
	dispatcher.callers = append(dispatcher.callers, deflector)
	dispatcher.syncTable(a.LogWarnf)

	return deflector, nil
}

// Free unregisters the deflector. The last deflector of a dispatcher
// tears the dispatcher down, restoring the original cave bytes.
func (d *CodeDeflector) Free() {
	if d == nil {
		return
	}
	a := d.allocator

	for di, dispatcher := range a.dispatchers {
		for ci, caller := range dispatcher.callers {
			if caller != d {
				continue
			}

			dispatcher.callers = append(dispatcher.callers[:ci], dispatcher.callers[ci+1:]...)
			dispatcher.syncTable(a.LogWarnf)

			if len(dispatcher.callers) == 0 {
				dispatcher.free()
				a.dispatchers = append(a.dispatchers[:di], a.dispatchers[di+1:]...)
			}

			return
		}
	}
}

func newDeflectorDispatcher(caller AddressSpec) (*deflectorDispatcher, errors.E) {
	cave, errE := probeRangeForCodeCave(caller)
	if errE != nil {
		return nil, errE
	}

	thunk, errE := tryAllocPagesNear(1, protRW, AddressSpec{
		NearAddress: cave,
		MaxDistance: deflectorThunkReach,
	})
	if errE != nil {
		return nil, errE
	}

	table, errE := tryAllocPagesNear(1, protRW, AddressSpec{
		NearAddress: sliceAddress(thunk),
		MaxDistance: deflectorTableReach,
	})
	if errE != nil {
		freePages(thunk)
		return nil, errE
	}

	dispatcher := &deflectorDispatcher{ //nolint:exhaustruct
		address:    cave,
		trampoline: cave,
		thunk:      thunk,
		table:      table,
	}

	caveMemory := unsafe.Slice((*byte)(unsafe.Pointer(cave)), caveSize)
	copy(dispatcher.originalData[:], caveMemory)

	emitDeflectorThunk(thunk, sliceAddress(table))
	if errE := mprotectRange(sliceAddress(thunk), uintptr(len(thunk)), protRX); errE != nil {
		freePages(table)
		freePages(thunk)
		return nil, errE
	}
	clearCache(thunk)

	var jump [caveSize]byte
	emitCaveJump(jump[:], cave, sliceAddress(thunk))

	dispatcher.ensureRW()
	copy(caveMemory, jump[:])
	dispatcher.ensureRX()
	clearCache(caveMemory)

	return dispatcher, nil
}

func (d *deflectorDispatcher) free() {
	caveMemory := unsafe.Slice((*byte)(unsafe.Pointer(d.address)), caveSize)

	d.ensureRW()
	copy(caveMemory, d.originalData[:])
	d.ensureRX()
	clearCache(caveMemory)

	freePages(d.table)
	freePages(d.thunk)
	d.callers = nil
}

// lookup resolves a caller by exact return address, mirroring the scan
// the emitted thunk performs. It does not allocate and does not block.
func (d *deflectorDispatcher) lookup(returnAddress uintptr) uintptr {
	for _, caller := range d.callers {
		if caller.ReturnAddress == returnAddress {
			return caller.Target
		}
	}
	return 0
}

// syncTable publishes the caller list into the table page the emitted
// thunk scans: (returnAddress, target) pairs ended by a zero entry. A
// concurrent scan must never observe a half-written entry, so targets are
// stored before their return addresses and the terminator moves last when
// growing, first when shrinking.
func (d *deflectorDispatcher) syncTable(logWarnf func(msg string, args ...any)) {
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(sliceAddress(d.table))), len(d.table)/int(unsafe.Sizeof(uintptr(0))))
	maxEntries := len(words)/2 - 1

	n := len(d.callers)
	if n > maxEntries {
		if logWarnf != nil {
			logWarnf("deflector dispatcher table full: %d of %d callers published", maxEntries, n)
		}
		n = maxEntries
	}

	if n < d.tableLen {
		atomic.StoreUintptr(&words[2*n], 0)
	}
	for i := 0; i < n; i++ {
		atomic.StoreUintptr(&words[2*i+1], d.callers[i].Target)
		atomic.StoreUintptr(&words[2*i], d.callers[i].ReturnAddress)
	}
	if n >= d.tableLen {
		atomic.StoreUintptr(&words[2*n], 0)
	}
	d.tableLen = n
}

func (d *deflectorDispatcher) ensureRW() {
	prot := protRW
	if isRWXSupported() {
		prot = protRWX
	}
	_ = mprotectRange(d.address, caveSize, prot)
}

func (d *deflectorDispatcher) ensureRX() {
	_ = mprotectRange(d.address, caveSize, protRX)
}

// probeRangeForCodeCave finds the first executable mapping whose
// identification padding can serve as a cave for the given caller
// window: the mapping must start with the ELF magic, sit within reach,
// and still carry all-zero padding.
func probeRangeForCodeCave(caller AddressSpec) (uintptr, errors.E) {
	var cave uintptr

	errE := EnumerateRanges(protRX, func(details *RangeDetails) bool {
		candidate := details.Range.Base + caveSize

		if addressDistance(candidate, caller.NearAddress) > caller.MaxDistance {
			return true
		}
		if !hasELFMagic(details.Range.Base) {
			return true
		}
		padding := unsafe.Slice((*byte)(unsafe.Pointer(candidate)), caveSize)
		for _, b := range padding {
			if b != 0 {
				return true
			}
		}

		cave = candidate
		return false
	})
	if errE != nil {
		return 0, errE
	}
	if cave == 0 {
		return 0, errors.WithDetails(ErrCaveNotFound,
			"near", caller.NearAddress,
			"maxDistance", caller.MaxDistance,
		)
	}
	return cave, nil
}
