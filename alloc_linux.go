//go:build linux && (amd64 || arm64)

package inproc

import (
	"gitlab.com/tozd/go/errors"
)

// CodeSlice is a fixed-size chunk of executable memory carved out of a
// page-sized slab. Data aliases the memory the code will run at.
type CodeSlice struct {
	Data  []byte
	pages *codePages
}

// Address returns the executable address of the slice.
func (s *CodeSlice) Address() uintptr {
	return sliceAddress(s.Data)
}

// codePages is one slab of pages carved into slices. refCount counts the
// slices held by callers or sitting on the free list; the slab goes away
// when it drops to zero.
type codePages struct {
	refCount int

	segment *codeSegment
	data    []byte

	allocator *CodeAllocator
}

func (p *codePages) unref() {
	p.refCount--
	if p.refCount == 0 {
		if p.segment != nil {
			p.segment.free()
		} else {
			freePages(p.data)
		}
	}
}

// CodeAllocator hands out fixed-size executable slices, reusing ELF
// padding for deflector dispatchers when short branches cannot reach a
// fresh page. It is not internally synchronized: callers serialize
// access.
type CodeAllocator struct {
	// SliceSize is the size of every slice, typically the smallest power
	// of two that fits a trampoline. It must divide the page size.
	SliceSize int

	// LogWarnf is a function to call with any warning logging messages.
	LogWarnf func(msg string, args ...any)

	slicesPerPage int

	uncommittedPages []*codePages
	dirtyPages       map[*codePages]struct{}
	freeSlices       []*CodeSlice

	dispatchers []*deflectorDispatcher
}

// NewCodeAllocator returns an allocator carving pages into slices of
// sliceSize bytes.
func NewCodeAllocator(sliceSize int) *CodeAllocator {
	return &CodeAllocator{ //nolint:exhaustruct
		SliceSize:     sliceSize,
		slicesPerPage: pageSize() / sliceSize,
		dirtyPages:    make(map[*codePages]struct{}),
	}
}

// Free releases everything the allocator handed out: dispatchers restore
// their caves, free slices drop their slab references.
func (a *CodeAllocator) Free() {
	for _, dispatcher := range a.dispatchers {
		dispatcher.free()
	}
	a.dispatchers = nil

	for _, slice := range a.freeSlices {
		slice.pages.unref()
	}
	a.freeSlices = nil
	a.uncommittedPages = nil
	a.dirtyPages = make(map[*codePages]struct{})
}

// AllocSlice returns a slice with no placement constraint.
func (a *CodeAllocator) AllocSlice() (*CodeSlice, errors.E) {
	return a.TryAllocSliceNear(nil, 0)
}

// TryAllocSliceNear returns a slice whose whole span lies within
// spec.MaxDistance of spec.NearAddress (when spec is non-nil) and whose
// address is a multiple of alignment (when alignment is non-zero). The
// slice is writable until Commit.
func (a *CodeAllocator) TryAllocSliceNear(spec *AddressSpec, alignment int) (*CodeSlice, errors.E) {
	for i, slice := range a.freeSlices {
		if sliceIsNear(slice, spec) && sliceIsAligned(slice, alignment) {
			a.freeSlices = append(a.freeSlices[:i], a.freeSlices[i+1:]...)
			a.dirtyPages[slice.pages] = struct{}{}
			return slice, nil
		}
	}

	return a.allocBatchNear(spec)
}

func (a *CodeAllocator) allocBatchNear(spec *AddressSpec) (*CodeSlice, errors.E) {
	rwxSupported := isRWXSupported()

	sizeInBytes := pageSize()

	pages := &codePages{ //nolint:exhaustruct
		refCount:  a.slicesPerPage,
		allocator: a,
	}

	if rwxSupported {
		var data []byte
		var errE errors.E
		if spec != nil {
			data, errE = tryAllocPagesNear(1, protRWX, *spec)
		} else {
			data, errE = allocPages(1, protRWX)
		}
		if errE != nil {
			return nil, errE
		}
		pages.data = data
	} else {
		segment, errE := newCodeSegment(sizeInBytes, spec)
		if errE != nil {
			return nil, errE
		}
		pages.segment = segment
		pages.data = segment.shadow
	}

	var result *CodeSlice
	for i := a.slicesPerPage; i != 0; i-- {
		sliceIndex := i - 1
		slice := &CodeSlice{
			Data:  pages.data[sliceIndex*a.SliceSize : (sliceIndex+1)*a.SliceSize],
			pages: pages,
		}
		if sliceIndex == 0 {
			result = slice
		} else {
			a.freeSlices = append(a.freeSlices, slice)
		}
	}

	if !rwxSupported {
		a.uncommittedPages = append(a.uncommittedPages, pages)
	}
	a.dirtyPages[pages] = struct{}{}

	return result, nil
}

// Commit flips every uncommitted slab executable, synchronizes the
// instruction cache over dirty slabs, and, when simultaneous write and
// execute are unavailable, drops the free slices: they cannot be reused
// across a commit boundary.
func (a *CodeAllocator) Commit() {
	rwxSupported := isRWXSupported()

	for _, pages := range a.uncommittedPages {
		segment := pages.segment
		segment.realize()
		if errE := segment.mapExecutable(); errE != nil && a.LogWarnf != nil {
			a.LogWarnf("unable to map code segment executable: %s", errE.Error())
		}
	}
	a.uncommittedPages = nil

	for pages := range a.dirtyPages {
		clearCache(pages.data)
	}
	clear(a.dirtyPages)

	if !rwxSupported {
		for _, slice := range a.freeSlices {
			slice.pages.unref()
		}
		a.freeSlices = nil
	}
}

// FreeSlice releases one slice. With persistent RWX the slice goes back
// on the head of the free list, so it is the first candidate for reuse;
// under W^X it only drops its slab reference.
func (a *CodeAllocator) FreeSlice(slice *CodeSlice) {
	if slice == nil {
		return
	}

	if isRWXSupported() {
		a.freeSlices = append([]*CodeSlice{slice}, a.freeSlices...)
	} else {
		slice.pages.unref()
	}
}

func sliceIsNear(slice *CodeSlice, spec *AddressSpec) bool {
	if spec == nil {
		return true
	}

	sliceStart := slice.Address()
	sliceEnd := sliceStart + uintptr(len(slice.Data)) - 1

	return addressDistance(spec.NearAddress, sliceStart) <= spec.MaxDistance &&
		addressDistance(spec.NearAddress, sliceEnd) <= spec.MaxDistance
}

func sliceIsAligned(slice *CodeSlice, alignment int) bool {
	if alignment == 0 {
		return true
	}
	return slice.Address()%uintptr(alignment) == 0
}

func addressDistance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
