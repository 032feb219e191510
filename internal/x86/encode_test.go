package x86

import (
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"
)

func TestBuilderAssembleRet(t *testing.T) {
	b, err := NewBuilder(4)
	if err != nil {
		t.Fatal(err)
	}
	b.Ret()
	code := b.Assemble()
	if len(code) != 1 || code[0] != 0xc3 {
		t.Errorf("Assemble(Ret) = %x, want [c3]", code)
	}
}

func TestBuilderMovRegImmProducesCode(t *testing.T) {
	b, err := NewBuilder(4)
	if err != nil {
		t.Fatal(err)
	}
	b.MovRegImm(x86.REG_AX, 0x1234)
	code := b.Assemble()
	if len(code) == 0 {
		t.Fatal("Assemble(MovRegImm) produced no bytes")
	}
}

func TestJccOpcodeCoversAllNearForms(t *testing.T) {
	ops := []x86asm.Op{
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
	}
	seen := map[obj.As]bool{}
	for _, op := range ops {
		as, ok := JccOpcode(op)
		if !ok {
			t.Errorf("JccOpcode(%v) ok = false, want true", op)
			continue
		}
		if seen[as] {
			t.Errorf("JccOpcode(%v) reused opcode %v already mapped by another condition", op, as)
		}
		seen[as] = true
	}
}

func TestJccOpcodeRejectsCXZFamily(t *testing.T) {
	for _, op := range []x86asm.Op{x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ} {
		if _, ok := JccOpcode(op); ok {
			t.Errorf("JccOpcode(%v) ok = true, want false (no near-form encoding exists)", op)
		}
	}
}

func TestRelocateNoPCRelUnchanged(t *testing.T) {
	inst := Instruction{Addr: 0x1000, Raw: []byte{0x90}}
	out, err := Relocate(inst, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != 0x90 {
		t.Errorf("Relocate(no PCRelOff) = %x, want [90]", out)
	}
}

func TestRelocateAdjustsDisplacement(t *testing.T) {
	// A synthetic 8-byte "instruction" whose last 4 bytes are a
	// little-endian rel32 displacement at PCRelOff=4, referencing
	// absolute address inst.Addr + len(raw) + 0x10.
	raw := []byte{0x48, 0x8d, 0x05, 0x00, 0x10, 0x00, 0x00, 0x00}
	inst := Instruction{
		Addr: 0x1000,
		Raw:  raw,
		Inst: x86asm.Inst{Len: len(raw), PCRelOff: 4},
	}
	out, err := Relocate(inst, 0x1000+0x40)
	if err != nil {
		t.Fatal(err)
	}
	// Moving the instruction forward by 0x40 bytes must shrink the
	// displacement by exactly 0x40 to keep addressing the same target.
	gotDisp := int32(out[4]) | int32(out[5])<<8 | int32(out[6])<<16 | int32(out[7])<<24
	if want := int32(0x10 - 0x40); gotDisp != want {
		t.Errorf("relocated displacement = %#x, want %#x", gotDisp, want)
	}
}
