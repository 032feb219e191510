package x86

import (
	"encoding/binary"
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"
)

// Builder is a thin convenience layer over golang-asm's obj.Prog
// assembler, used for every stub and helper the engine emits (prologs,
// epilogs, virtualized call/jmp/ret stubs, the inline-cache dispatch
// loop). It mirrors exactly how the teacher's AMD64Backend.Build
// constructs code: asm.NewBuilder, NewProg/AddInstruction per
// instruction, Assemble to get the final bytes.
type Builder struct {
	b *asm.Builder
}

// NewBuilder allocates a Builder with room for approximately maxProgs
// instructions (golang-asm pre-allocates obj.Prog objects for this; see
// the teacher's comment in backend_amd64.go: "Pre-allocate 128
// instruction objects... can be tuned if profiling indicates a
// bottleneck").
func NewBuilder(maxProgs int) (*Builder, error) {
	b, err := asm.NewBuilder("amd64", maxProgs)
	if err != nil {
		return nil, fmt.Errorf("x86: new builder: %w", err)
	}
	return &Builder{b: b}, nil
}

// Raw returns the underlying golang-asm builder for call sites (the
// virtualizer, the helper emitter) that need to construct an obj.Prog
// golang-asm has no convenience wrapper for.
func (b *Builder) Raw() *asm.Builder { return b.b }

// Assemble finalizes the instruction stream and returns the encoded
// bytes.
func (b *Builder) Assemble() []byte { return b.b.Assemble() }

func (b *Builder) add(p *obj.Prog) *obj.Prog {
	b.b.AddInstruction(p)
	return p
}

// MovRegReg emits `mov dst, src`.
func (b *Builder) MovRegReg(dst, src int16) {
	p := b.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	b.add(p)
}

// MovRegImm emits `mov dst, $imm`.
func (b *Builder) MovRegImm(dst int16, imm int64) {
	p := b.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	b.add(p)
}

// MovRegMem emits `mov dst, [base+offset]`.
func (b *Builder) MovRegMem(dst, base int16, offset int64) {
	p := b.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = offset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	b.add(p)
}

// MovMemReg emits `mov [base+offset], src`.
func (b *Builder) MovMemReg(base int16, offset int64, src int16) {
	p := b.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	b.add(p)
}

// LeaMem emits `lea dst, [base+index*scale]`.
func (b *Builder) LeaMem(dst, base, index int16, scale int16) {
	p := b.b.NewProg()
	p.As = x86.ALEAQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = index
	p.From.Scale = scale
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	b.add(p)
}

// CallReg emits an indirect call through a register (used by entry gate
// dispatch to call into the engine through a scratch register already
// loaded with its address).
func (b *Builder) CallReg(reg int16) {
	p := b.b.NewProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

// JmpReg emits an indirect jump through a register.
func (b *Builder) JmpReg(reg int16) {
	p := b.b.NewProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

// Ret emits a bare `ret`.
func (b *Builder) Ret() {
	p := b.b.NewProg()
	p.As = obj.ARET
	b.add(p)
}

// PushReg/PopReg emit stack push/pop of a GP register, used by the
// minimal/full prologs and epilogs (spec.md §4.3).
func (b *Builder) PushReg(reg int16) {
	p := b.b.NewProg()
	p.As = x86.APUSHQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	b.add(p)
}

func (b *Builder) PopReg(reg int16) {
	p := b.b.NewProg()
	p.As = x86.APOPQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

// AddRegImm/SubRegImm adjust a register by an immediate (used to stash
// the application stack pointer minus the red-zone guard, spec.md §4.3).
func (b *Builder) SubRegImm(reg int16, imm int64) {
	p := b.b.NewProg()
	p.As = x86.ASUBQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

func (b *Builder) AddRegImm(reg int16, imm int64) {
	p := b.b.NewProg()
	p.As = x86.AADDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

// OrRegImm emits `or reg, $imm`, used to set the trap flag bit within a
// flags value already popped into a scratch register (the opaque-branch
// single-step stub).
func (b *Builder) OrRegImm(reg int16, imm int64) {
	p := b.b.NewProg()
	p.As = x86.AORQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.add(p)
}

// CmpRegMem emits `cmp reg, [base+offset]`, used by the IC dispatch loop
// to compare a runtime target against a table entry's real_start.
func (b *Builder) CmpRegMem(reg, base int16, offset int64) {
	p := b.b.NewProg()
	p.As = x86.ACMPQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	b.add(p)
}

// Int3 emits a trap instruction, used at the true end of a translated
// stream (spec.md §4.2 step 6, "should be unreachable").
func (b *Builder) Int3() {
	p := b.b.NewProg()
	p.As = x86.AINT
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = 3
	b.add(p)
}

// PushF/PopF save and restore the flags register, the first and last
// thing a prolog/epilog pair touches (spec.md §4.3) so that a
// transparently-inserted block cannot perturb a flag the application
// reads after a conditional jump.
func (b *Builder) PushF() {
	p := b.b.NewProg()
	p.As = x86.APUSHFQ
	b.add(p)
}

func (b *Builder) PopF() {
	p := b.b.NewProg()
	p.As = x86.APOPFQ
	b.add(p)
}

// JmpRel32Placeholder emits a near jump with no target set, leaving the
// trailing rel32 for the caller to overwrite in the returned byte
// stream. Its only caller is the compile package's EmitJcc.
func (b *Builder) JmpRel32Placeholder() {
	p := b.b.NewProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_BRANCH
	b.add(p)
}

// Nop emits a single-byte no-op, used to pad a stub out to a fixed size
// so a later backpatch always has the same byte offsets to overwrite.
func (b *Builder) Nop() {
	p := b.b.NewProg()
	p.As = obj.ANOP
	b.add(p)
}

// Jcc emits a near conditional jump using the given golang-asm opcode
// (one of the JccOpcode constants below), targeting a later-patched
// rel32 exactly like JmpRel32Placeholder.
func (b *Builder) Jcc(as obj.As) {
	p := b.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	b.add(p)
}

// JccOpcode maps an x86asm condition-carrying Op to the golang-asm
// opcode used to re-emit it as a near (rel32) jump, widening any
// original short (rel8) encoding (spec.md §4.6, KindJccShort: "the
// virtualizer re-encodes it as a near form so its target can reach
// anywhere in the code slab").
func JccOpcode(op x86asm.Op) (obj.As, bool) {
	switch op {
	case x86asm.JA:
		return x86.AJHI, true
	case x86asm.JAE:
		return x86.AJCC, true
	case x86asm.JB:
		return x86.AJCS, true
	case x86asm.JBE:
		return x86.AJLS, true
	case x86asm.JE:
		return x86.AJEQ, true
	case x86asm.JG:
		return x86.AJGT, true
	case x86asm.JGE:
		return x86.AJGE, true
	case x86asm.JL:
		return x86.AJLT, true
	case x86asm.JLE:
		return x86.AJLE, true
	case x86asm.JNE:
		return x86.AJNE, true
	case x86asm.JNO:
		return x86.AJOC, true
	case x86asm.JNP:
		return x86.AJPC, true
	case x86asm.JNS:
		return x86.AJPL, true
	case x86asm.JO:
		return x86.AJOS, true
	case x86asm.JP:
		return x86.AJPS, true
	case x86asm.JS:
		return x86.AJMI, true
	default:
		// JCXZ/JECXZ/JRCXZ have no near-form encoding at all; the
		// virtualizer handles them as a special short-trampoline case
		// rather than through JccOpcode (SPEC_FULL.md §4.6).
		return 0, false
	}
}

// Relocate returns the bytes to emit for a "kept" (non-terminator)
// instruction being copied from its original location to a new one,
// adjusting any RIP-relative memory operand so it still addresses the
// same absolute location. Instructions with no PC-relative operand are
// returned unchanged (spec.md §4.2 step 4, "ask the relocator to emit an
// adjusted copy").
func Relocate(inst Instruction, newAddr uintptr) ([]byte, error) {
	if inst.Inst.PCRelOff == 0 {
		return append([]byte(nil), inst.Raw...), nil
	}
	off := inst.Inst.PCRelOff
	if off+4 > len(inst.Raw) {
		return nil, fmt.Errorf("x86: relocate %#x: PCRelOff out of range", inst.Addr)
	}
	raw := append([]byte(nil), inst.Raw...)
	old := int32(binary.LittleEndian.Uint32(raw[off : off+4]))
	// The absolute address referenced by the instruction is
	// addr + len + old. To keep referencing it from newAddr, the new
	// displacement must absorb the move distance.
	delta := int64(inst.Addr) - int64(newAddr)
	newDisp := int64(old) + delta
	if newDisp > 1<<31-1 || newDisp < -(1<<31) {
		return nil, fmt.Errorf("x86: relocate %#x: displacement overflow after move", inst.Addr)
	}
	binary.LittleEndian.PutUint32(raw[off:off+4], uint32(int32(newDisp)))
	return raw, nil
}
