//go:build linux

package platform

import "unsafe"

// unsafeSlice views the length bytes starting at a raw virtual address as
// a []byte, without copying. addr always comes from a mmap-backed region
// obtained through internal/slab, which the Go GC never relocates, so
// this is safe for the lifetime of the owning Slab.
func unsafeSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
