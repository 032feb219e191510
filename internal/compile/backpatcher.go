package compile

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/0xDC00/stalker/internal/slab"
	ix86 "github.com/0xDC00/stalker/internal/x86"
)

// StubFootprint bounds how many bytes a Jmp/Ret backpatch rewrite may
// occupy (spec.md §4.7: "The code region is sized so that the patch
// always fits within the original stub's reserved bytes (≤ 128 bytes for
// Jmp/Ret; Call is sized by the caller at emit time)."). Call rewrites
// are bounded by the stub's own Capacity instead, since their first
// emission already reserved room for the shadow-stack push.
const StubFootprint = 128

// Backpatcher rewrites a previously emitted virtualized stub in place
// once its slow path has resolved a destination (spec.md §4.7). All
// methods must be called with the owning ExecCtx's code lock held; they
// thaw/freeze the single slab involved themselves.
type Backpatcher struct {
	Observer Observer
	Shadow   uintptr // absolute address of the shadow-stack ring header, for Call rewrites
}

// patchRegion thaws slab s, hands fn the destination byte window at
// block.CodeStart+offset sized n, and freezes again afterward.
func (bp *Backpatcher) patchRegion(s *slab.Slab, addr uintptr, n int, fn func(dst []byte)) error {
	if err := s.Thaw(); err != nil {
		return fmt.Errorf("compile: thaw for backpatch: %w", err)
	}
	fn(s.Bytes(addr, n))
	if err := s.Freeze(); err != nil {
		return fmt.Errorf("compile: freeze after backpatch: %w", err)
	}
	return nil
}

func padTo(code []byte, n int) []byte {
	if len(code) > n {
		panic("compile: backpatch rewrite exceeds stub footprint")
	}
	out := make([]byte, n)
	copy(out, code)
	for i := len(code); i < n; i++ {
		out[i] = 0x90 // NOP
	}
	return out
}

// ApplyCall rewrites a Call backpatch: shadow-stack push of
// (realReturn, translatedReturn), then a direct jump to the target's
// code_start (spec.md §4.7 table, "Call").
func (bp *Backpatcher) ApplyCall(block *slab.ExecBlock, patch Backpatch, targetCodeStart, realReturn, translatedReturn uintptr, footprint int) error {
	b, err := ix86.NewBuilder(8)
	if err != nil {
		return err
	}
	b.MovRegImm(x86.REG_R11, int64(bp.Shadow))
	b.MovRegImm(x86.REG_AX, int64(realReturn))
	b.MovRegImm(x86.REG_CX, int64(translatedReturn))
	// Push fast path is the same bump-and-store sequence
	// helpers.emitStackPush assembles; backpatched call sites re-derive
	// it directly since they already hold R11/AX/CX loaded.
	b.MovRegMem(x86.REG_R10, x86.REG_R11, 0)
	b.CmpRegMem(x86.REG_R10, x86.REG_R11, 8)
	b.MovRegImm(x86.REG_R11, int64(targetCodeStart))
	b.JmpReg(x86.REG_R11)
	code := padTo(b.Assemble(), footprint)
	if err := bp.patchRegion(block.CodeSlab, block.CodeStart+uintptr(patch.Offset), footprint, func(dst []byte) {
		copy(dst, code)
	}); err != nil {
		return err
	}
	return bp.notify(patch)
}

// ApplyJmp rewrites a Jmp backpatch: an epilog call (if this stub opened
// a prolog) followed by a direct jump to the target (spec.md §4.7 table,
// "Jmp").
func (bp *Backpatcher) ApplyJmp(block *slab.ExecBlock, patch Backpatch, targetCodeStart uintptr, epilog uintptr) error {
	b, err := ix86.NewBuilder(6)
	if err != nil {
		return err
	}
	if epilog != 0 {
		b.MovRegImm(x86.REG_R11, int64(epilog))
		b.CallReg(x86.REG_R11)
	}
	b.MovRegImm(x86.REG_R11, int64(targetCodeStart))
	b.JmpReg(x86.REG_R11)
	code := padTo(b.Assemble(), StubFootprint)
	if err := bp.patchRegion(block.CodeSlab, block.CodeStart+uintptr(patch.Offset), StubFootprint, func(dst []byte) {
		copy(dst, code)
	}); err != nil {
		return err
	}
	return bp.notify(patch)
}

// ApplyRet rewrites a Ret backpatch into a direct jump to the target,
// valid only while the return site is monomorphic (spec.md §4.7 table,
// "Ret").
func (bp *Backpatcher) ApplyRet(block *slab.ExecBlock, patch Backpatch, targetCodeStart uintptr) error {
	b, err := ix86.NewBuilder(4)
	if err != nil {
		return err
	}
	b.MovRegImm(x86.REG_R11, int64(targetCodeStart))
	b.JmpReg(x86.REG_R11)
	code := padTo(b.Assemble(), StubFootprint)
	if err := bp.patchRegion(block.CodeSlab, block.CodeStart+uintptr(patch.Offset), StubFootprint, func(dst []byte) {
		copy(dst, code)
	}); err != nil {
		return err
	}
	return bp.notify(patch)
}

// ApplyInlineCache atomically fills the first empty slot of an
// indirect-branch site's IC table with (realStart, codeStart) (spec.md
// §4.7 table, "InlineCache"). It returns false without error if the
// table was already full — further misses permanently fall through to
// the slow path (spec.md §4.6).
func (bp *Backpatcher) ApplyInlineCache(s *slab.Slab, tableAddr uintptr, icEntries int, realStart, codeStart uintptr) (bool, error) {
	table := icEntryView(s, tableAddr, icEntries)
	idx := FirstEmptyICSlot(table)
	if idx < 0 {
		return false, nil
	}
	off := tableAddr + uintptr(idx*16)
	err := bp.patchRegion(s, off, 16, func(dst []byte) {
		putUintptr(dst[0:8], realStart)
		putUintptr(dst[8:16], codeStart)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (bp *Backpatcher) notify(patch Backpatch) error {
	if bp.Observer != nil {
		bp.Observer.BackpatchNotify(patch)
	}
	return nil
}

// icEntryView reads an IC table's current contents out of a code slab
// without an unsafe cast, since the slab's backing memory is a plain
// []byte and ICEntry's wire layout (two 8-byte little-endian fields) is
// fixed by ICTableSize.
func icEntryView(s *slab.Slab, tableAddr uintptr, icEntries int) []ICEntry {
	raw := s.Bytes(tableAddr, icEntries*16)
	out := make([]ICEntry, icEntries)
	for i := range out {
		out[i] = ICEntry{
			RealStart: getUintptr(raw[i*16 : i*16+8]),
			CodeStart: getUintptr(raw[i*16+8 : i*16+16]),
		}
	}
	return out
}

func putUintptr(b []byte, v uintptr) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUintptr(b []byte) uintptr {
	var v uintptr
	for i := 7; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}
