//go:build linux && amd64

package inproc

// x86 keeps instruction and data caches coherent; writing code needs no
// explicit synchronization.
func clearCacheRangeArch(begin, end uintptr) {
}
