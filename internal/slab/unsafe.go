package slab

import (
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// addrOf returns the address of the first byte of an mmap'd region. The
// mapping is never moved or resized by the Go runtime (it is not backed
// by the Go allocator), so this address is stable for the mapping's
// lifetime.
func addrOf(m mmap.MMap) uintptr {
	if len(m) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m[0]))
}

// flushInstructionCache issues the architectural instruction-cache flush
// required after a code-slab write (spec.md §4.2). x86 and x86-64 keep
// the instruction cache coherent with the data cache for same-core
// writes followed by a serializing event (here, the privilege-mode
// transition back into translated code), so no explicit flush
// instruction is required; this hook exists so other architectures'
// backends (which do need one) have a single place to add it, and so
// that the freeze/thaw sequence described in spec.md §4.2 is always
// textually present even where it is a no-op.
func flushInstructionCache(addr uintptr, size int) {
	_ = addr
	_ = size
}
