//go:build linux && (amd64 || arm64)

package inproc

import (
	"sync"
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var (
	pageSizeOnce  sync.Once
	pageSizeValue int
)

func pageSize() int {
	pageSizeOnce.Do(func() {
		pageSizeValue = unix.Getpagesize()
	})
	return pageSizeValue
}

func pageStart(address uintptr) uintptr {
	return address &^ (uintptr(pageSize()) - 1)
}

func protToUnix(prot Protection) int {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExecute != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// mmapRaw maps size bytes and hands them back as a slice over the
// mapping. All mappings of this package go through here so that freePages
// can unmap any of them.
func mmapRaw(fd int, addr, size uintptr, prot, flags int) ([]byte, error) {
	p, err := unix.MmapPtr(fd, 0, unsafe.Pointer(addr), size, prot, flags) //nolint:govet,gosec
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func allocPages(count int, prot Protection) ([]byte, errors.E) {
	data, err := mmapRaw(-1, 0, uintptr(count*pageSize()), protToUnix(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.WithMessage(err, "mmap")
	}
	return data, nil
}

func freePages(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.MunmapPtr(unsafe.Pointer(&data[0]), uintptr(len(data)))
}

// Probe stride for near allocation. Walking page by page would make large
// MaxDistance values pathological; candidate addresses advance in bigger
// steps once the immediate neighborhood is exhausted.
const nearProbeStride = 64

// mmapNear maps size bytes so that the whole mapping lies within
// spec.MaxDistance of spec.NearAddress. It walks candidate page addresses
// outward from the spec address using MAP_FIXED_NOREPLACE, the same way
// user-level trap pages get placed.
func mmapNear(fd int, size uintptr, prot, flags int, spec AddressSpec) ([]byte, errors.E) {
	pageSz := uintptr(pageSize())

	lowLimit := uintptr(0)
	if spec.NearAddress > spec.MaxDistance {
		lowLimit = spec.NearAddress - spec.MaxDistance
	}
	highLimit := spec.NearAddress + spec.MaxDistance

	tryAt := func(candidate uintptr) []byte {
		if candidate == 0 || candidate < lowLimit || candidate+size-1 > highLimit {
			return nil
		}
		data, err := mmapRaw(fd, candidate, size, prot, flags|unix.MAP_FIXED_NOREPLACE)
		if err != nil {
			return nil
		}
		return data
	}

	base := pageStart(spec.NearAddress)
	stride := pageSz
	for offset := uintptr(0); offset <= spec.MaxDistance; offset += stride {
		if data := tryAt(base + offset); data != nil {
			return data, nil
		}
		if offset != 0 {
			if data := tryAt(base - offset); data != nil {
				return data, nil
			}
		}
		if offset >= pageSz*nearProbeStride {
			stride = pageSz * nearProbeStride
		}
	}

	return nil, errors.WithDetails(ErrOutOfReach,
		"near", spec.NearAddress,
		"maxDistance", spec.MaxDistance,
	)
}

func tryAllocPagesNear(count int, prot Protection, spec AddressSpec) ([]byte, errors.E) {
	return mmapNear(-1, uintptr(count*pageSize()), protToUnix(prot),
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, spec)
}

// mprotectRange changes the protection of the pages covering
// [address, address+size).
func mprotectRange(address, size uintptr, prot Protection) errors.E {
	start := pageStart(address)
	length := address + size - start
	if rem := length % uintptr(pageSize()); rem != 0 {
		length += uintptr(pageSize()) - rem
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	err := unix.Mprotect(region, protToUnix(prot))
	if err != nil {
		return errors.WithMessage(err, "mprotect")
	}
	return nil
}

var (
	rwxOnce      sync.Once
	rwxSupported bool

	// Overridden by tests to exercise the W^X code paths on hosts that
	// happily hand out RWX pages.
	rwxSupportedOverride *bool
)

// isRWXSupported reports whether this system hands out writable and
// executable pages at the same time. Probed once by asking for one.
func isRWXSupported() bool {
	if rwxSupportedOverride != nil {
		return *rwxSupportedOverride
	}
	rwxOnce.Do(func() {
		data, err := unix.Mmap(-1, 0, pageSize(),
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err == nil {
			rwxSupported = true
			_ = unix.Munmap(data)
		}
	})
	return rwxSupported
}

func sliceAddress(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

func clearCache(data []byte) {
	if len(data) == 0 {
		return
	}
	begin := sliceAddress(data)
	clearCacheRangeArch(begin, begin+uintptr(len(data)))
}
