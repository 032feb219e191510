// Package slab implements the engine's page-aligned, append-only memory
// arenas (spec.md §4.1, "Slab allocator") and the fixed-size ExecBlock
// records that live inside them. Reservations are bump-pointer; a Slab is
// never freed individually, only as part of its owning chain being torn
// down. Two flavors exist: code slabs (executable, mmap'd RWX-capable
// pages, made writable only between Slab.Thaw and Slab.Freeze) and data slabs
// (read/write bookkeeping, used for the ExecBlock pool).
//
// Grounded on the bump-allocator-over-mmap shape of wagon's
// exec/internal/compile native page allocator (MMapAllocator, referenced
// by native_compile_nogae.go) generalized from "one allocation per
// compiled function" to "one chain of slabs per ExecCtx".
package slab

import (
	"fmt"

	"github.com/edsrzf/mmap-go"

	"github.com/0xDC00/stalker/platform"
)

// DefaultSize is the size of a freshly allocated slab when none is given
// explicitly. It comfortably holds dozens of translated basic blocks.
const DefaultSize = 256 * 1024

// Slab is a single page-aligned, append-only memory region.
type Slab struct {
	mem    mmap.MMap
	offset int
	code   bool

	// invalidator is the address of the per-slab invalidator helper
	// (spec.md §3, "Code slabs carry an additional invalidator helper
	// pointer"). Zero unless SetInvalidator is called; nothing in this
	// module calls it.
	invalidator uintptr

	next *Slab
}

// New reserves a fresh slab of the given size. Code slabs are mapped
// read/write/exec up front (most platforms permit W^X toggling via
// mprotect rather than requiring a fresh mapping per toggle); data slabs
// are read/write only.
func New(size int, code bool) (*Slab, error) {
	if size <= 0 {
		size = DefaultSize
	}
	prot := mmap.RDWR
	if code {
		prot |= mmap.EXEC
	}
	m, err := mmap.MapRegion(nil, size, prot, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("slab: mmap %d bytes (code=%v): %w", size, code, err)
	}
	return &Slab{mem: m, code: code}, nil
}

// Base is the address of the first byte of the slab.
func (s *Slab) Base() uintptr {
	return addrOf(s.mem)
}

// Size is the total capacity of the slab in bytes.
func (s *Slab) Size() int {
	return len(s.mem)
}

// Available is the number of unreserved bytes remaining.
func (s *Slab) Available() int {
	return len(s.mem) - s.offset
}

// IsCode reports whether this is an executable code slab.
func (s *Slab) IsCode() bool {
	return s.code
}

// Next returns the next slab in the chain (older slabs), or nil.
func (s *Slab) Next() *Slab {
	return s.next
}

// Contains reports whether addr lies within the reserved (committed)
// portion of the slab: [Base, Base+offset). This is the half-open
// convention chosen for the stack_pop_and_go slab scan (spec.md §9 open
// question): an address exactly equal to Base+offset is "not yet
// committed" and therefore not part of any compiled block.
func (s *Slab) Contains(addr uintptr) bool {
	base := s.Base()
	return addr >= base && addr < base+uintptr(s.offset)
}

// Reserve bump-allocates n bytes and returns their address and backing
// slice. ok is false if the slab does not have enough room; callers
// (Pool.Reserve) must allocate a new slab in that case.
func (s *Slab) Reserve(n int) (addr uintptr, mem []byte, ok bool) {
	if n < 0 || s.offset+n > len(s.mem) {
		return 0, nil, false
	}
	start := s.offset
	s.offset += n
	return s.Base() + uintptr(start), s.mem[start:s.offset], true
}

// Bytes returns the n bytes stored at addr, which must fall within this
// slab's mapped region (not necessarily within the committed portion —
// ExecBlock snapshots and recompiled regions read/write already-reserved
// but not-yet-"offset-advanced" memory during in-place recompilation).
func (s *Slab) Bytes(addr uintptr, n int) []byte {
	base := s.Base()
	if addr < base || addr+uintptr(n) > base+uintptr(len(s.mem)) {
		panic("slab: address range out of bounds")
	}
	off := int(addr - base)
	return s.mem[off : off+n]
}

// SetInvalidator records the per-slab invalidator helper address. No
// code in this module calls it.
func (s *Slab) SetInvalidator(addr uintptr) { s.invalidator = addr }

// Invalidator returns the per-slab invalidator helper address, or 0 if
// none has been installed yet.
func (s *Slab) Invalidator() uintptr { return s.invalidator }

// Thaw makes the slab's pages writable so initial emission, recompiles
// and backpatches can mutate them until the matching Freeze. Only code slabs need this; data slabs are
// always RW.
func (s *Slab) Thaw() error {
	if !s.code {
		return nil
	}
	return platform.Mprotect(s.Base(), len(s.mem), platform.ProtRead|platform.ProtWrite|platform.ProtExec)
}

// Freeze restores the slab's pages to their steady-state protection and
// issues the architectural instruction-cache flush required after any
// code-slab write (spec.md §4.2, "Ordering").
func (s *Slab) Freeze() error {
	if !s.code {
		return nil
	}
	if err := platform.Mprotect(s.Base(), len(s.mem), platform.ProtRead|platform.ProtExec); err != nil {
		return err
	}
	flushInstructionCache(s.Base(), len(s.mem))
	return nil
}

// Close unmaps the slab's backing pages. Called only when the owning
// ExecCtx is destroyed (spec.md §4.1: "freeing happens only when the
// owning ExecCtx is destroyed").
func (s *Slab) Close() error {
	return s.mem.Unmap()
}
