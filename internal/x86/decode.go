// Package x86 adapts the published x86 decode/encode APIs spec.md treats
// as external collaborators (spec.md §1: "Instruction decoding ... and
// instruction encoding ... assumed available with a published API") to
// the shape the block compiler needs: a decode-one-instruction call and
// a relocate-and-re-emit call.
//
// Decoding is golang.org/x/arch/x86/x86asm, the standard Go-ecosystem x86
// disassembler. Encoding/relocation is built on
// github.com/twitchyliquid64/golang-asm's obj.Prog assembler, exactly as
// the teacher's AMD64Backend (exec/internal/compile/backend_amd64.go)
// emits native code: construct an asm.Builder, append obj.Prog values,
// Assemble() to bytes.
package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Mode selects 32- or 64-bit decoding, matching x86asm.Decode's bitMode
// parameter.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Kind classifies a decoded instruction for the branch virtualizer
// (spec.md §4.6).
type Kind int

const (
	// KindOther is any instruction that does not transfer control; the
	// block compiler relocates it verbatim and keeps consuming the
	// instruction stream.
	KindOther Kind = iota
	KindCallImm
	KindCallIndirect
	KindJmpImm
	KindJmpIndirect
	KindJccShort // conditional jump, including JECXZ/JRCXZ (spec.md §4.6)
	KindRet
	KindSysenter
	KindSyscall
	// KindOpaque is a control transfer the virtualizer cannot safely
	// rewrite in place (spec.md §4.6, "Opaque branches"); the compiler
	// must signal SingleStep instead of emitting a stub.
	KindOpaque
)

// Instruction is a decoded instruction plus the metadata the compiler and
// virtualizer need, addressed at its original (application) location.
type Instruction struct {
	Addr uintptr
	Len  int
	Raw  []byte // the original encoded bytes, Addr:Addr+Len
	Inst x86asm.Inst
	Kind Kind

	// BranchTarget is the resolved absolute target for Kind values with
	// an immediate operand (KindCallImm, KindJmpImm, KindJccShort); zero
	// for indirect/other kinds.
	BranchTarget uintptr
}

// Decode decodes one instruction from code (which must start at addr)
// in the given mode.
func Decode(code []byte, addr uintptr, mode Mode) (Instruction, error) {
	inst, err := x86asm.Decode(code, int(mode))
	if err != nil {
		return Instruction{}, fmt.Errorf("x86: decode at %#x: %w", addr, err)
	}
	out := Instruction{
		Addr: addr,
		Len:  inst.Len,
		Raw:  append([]byte(nil), code[:inst.Len]...),
		Inst: inst,
	}
	out.Kind, out.BranchTarget = classify(inst, addr)
	return out, nil
}

// classify determines the Kind of a decoded instruction and, for
// PC-relative control transfers, the absolute branch target.
func classify(inst x86asm.Inst, addr uintptr) (Kind, uintptr) {
	switch inst.Op {
	case x86asm.CALL:
		if rel, ok := relTarget(inst, addr); ok {
			return KindCallImm, rel
		}
		if hasSegmentOverride(inst) {
			// e.g. "call fs:[0xc0]" on 32-bit Windows: the IC dispatch
			// loop's re-emitted load ignores segment overrides, so
			// honoring this operand would silently read the wrong
			// address (spec.md §4.6, "Opaque branches").
			return KindOpaque, 0
		}
		return KindCallIndirect, 0
	case x86asm.JMP:
		if rel, ok := relTarget(inst, addr); ok {
			return KindJmpImm, rel
		}
		if hasSegmentOverride(inst) {
			return KindOpaque, 0
		}
		return KindJmpIndirect, 0
	case x86asm.RET:
		return KindRet, 0
	case x86asm.SYSENTER:
		return KindSysenter, 0
	case x86asm.SYSCALL:
		return KindSyscall, 0
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ:
		if rel, ok := relTarget(inst, addr); ok {
			return KindJccShort, rel
		}
		return KindOpaque, 0
	}
	return KindOther, 0
}

// hasSegmentOverride reports whether inst's memory operand, if any,
// carries a non-default segment prefix (fs:/gs:). Plain base+disp
// indirect branches are re-emitted exactly by EmitIndirect; a segment
// override is not, so such an instruction is classified KindOpaque
// instead of KindCallIndirect/KindJmpIndirect.
func hasSegmentOverride(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if m, ok := a.(x86asm.Mem); ok {
			return m.Segment != 0
		}
	}
	return false
}

// relTarget resolves an instruction's single relative-branch operand (as
// found on CALL/JMP/Jcc) to an absolute address.
func relTarget(inst x86asm.Inst, addr uintptr) (uintptr, bool) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return uintptr(int64(addr) + int64(inst.Len) + int64(rel)), true
		}
	}
	return 0, false
}

// IsIndirectMemory reports whether the instruction's control-transfer
// operand reads a memory location (spec.md §4.6, indirect call/jmp via
// "register or memory"). The IC dispatch itself uses IndirectMem.
func (i Instruction) IsIndirectMemory() bool {
	for _, a := range i.Inst.Args {
		if a == nil {
			continue
		}
		if _, ok := a.(x86asm.Mem); ok {
			return true
		}
	}
	return false
}

// IndirectMem returns the memory operand driving an indirect call/jmp,
// and true if one is present.
func (i Instruction) IndirectMem() (x86asm.Mem, bool) {
	for _, a := range i.Inst.Args {
		if a == nil {
			continue
		}
		if m, ok := a.(x86asm.Mem); ok {
			return m, true
		}
	}
	return x86asm.Mem{}, false
}

// IndirectReg returns the register driving an indirect call/jmp (the
// register-operand form, as opposed to IndirectMem's memory form), and
// true if present.
func (i Instruction) IndirectReg() (x86asm.Reg, bool) {
	for _, a := range i.Inst.Args {
		if a == nil {
			continue
		}
		if r, ok := a.(x86asm.Reg); ok {
			return r, true
		}
	}
	return 0, false
}

// HasEndbr64 reports whether code begins with an ENDBR64 landing pad
// (F3 0F 1E FA), which SPEC_FULL.md §4.10 requires the compiler preserve
// verbatim ahead of the block's first relocated instruction.
func HasEndbr64(code []byte) bool {
	return len(code) >= 4 && code[0] == 0xF3 && code[1] == 0x0F && code[2] == 0x1E && code[3] == 0xFA
}
