package x86

import "testing"

func TestDecodeClassifiesTerminators(t *testing.T) {
	const addr = 0x1000

	tests := []struct {
		name string
		code []byte
		kind Kind
		// wantTarget is checked only when kind has a resolvable
		// immediate branch target.
		wantTarget uintptr
		hasTarget  bool
	}{
		{name: "nop", code: []byte{0x90}, kind: KindOther},
		{name: "ret", code: []byte{0xc3}, kind: KindRet},
		{name: "syscall", code: []byte{0x0f, 0x05}, kind: KindSyscall},
		{name: "call rel32", code: []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, kind: KindCallImm, hasTarget: true, wantTarget: addr + 5},
		{name: "jmp rel8", code: []byte{0xeb, 0x05}, kind: KindJmpImm, hasTarget: true, wantTarget: addr + 2 + 5},
		{name: "je rel8", code: []byte{0x74, 0x02}, kind: KindJccShort, hasTarget: true, wantTarget: addr + 2 + 2},
		{name: "call rax", code: []byte{0xff, 0xd0}, kind: KindCallIndirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, addr, Mode64)
			if err != nil {
				t.Fatalf("Decode(%x): %v", tt.code, err)
			}
			if inst.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", inst.Kind, tt.kind)
			}
			if inst.Len != len(tt.code) {
				t.Errorf("Len = %d, want %d", inst.Len, len(tt.code))
			}
			if tt.hasTarget && inst.BranchTarget != tt.wantTarget {
				t.Errorf("BranchTarget = %#x, want %#x", inst.BranchTarget, tt.wantTarget)
			}
		})
	}
}

func TestDecodeIndirectCallRegister(t *testing.T) {
	inst, err := Decode([]byte{0xff, 0xd0}, 0x2000, Mode64) // call rax
	if err != nil {
		t.Fatal(err)
	}
	if inst.IsIndirectMemory() {
		t.Error("IsIndirectMemory() = true for a register-form indirect call")
	}
	reg, ok := inst.IndirectReg()
	if !ok {
		t.Fatal("IndirectReg() ok = false, want true")
	}
	if reg == 0 {
		t.Error("IndirectReg() returned the zero register")
	}
}

// TestDecodeOpaqueSegmentOverride confirms the classic 32-bit Windows
// "call fs:[0xc0]" pattern (a segment-overridden indirect call) is
// classified KindOpaque rather than KindCallIndirect: IndirectMem's
// re-emission ignores segment prefixes, so treating it as an ordinary
// indirect call would silently dispatch against the wrong address.
func TestDecodeOpaqueSegmentOverride(t *testing.T) {
	// 64 FF 15 C0 00 00 00 = call dword ptr fs:[0xc0]
	code := []byte{0x64, 0xff, 0x15, 0xc0, 0x00, 0x00, 0x00}
	inst, err := Decode(code, 0x3000, Mode32)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Kind != KindOpaque {
		t.Errorf("Kind = %v, want KindOpaque", inst.Kind)
	}
}

func TestHasEndbr64(t *testing.T) {
	endbr := []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x90}
	if !HasEndbr64(endbr) {
		t.Error("HasEndbr64(endbr-prefixed code) = false, want true")
	}
	if HasEndbr64([]byte{0x90, 0x90, 0x90, 0x90}) {
		t.Error("HasEndbr64(nop-prefixed code) = true, want false")
	}
	if HasEndbr64([]byte{0xf3, 0x0f, 0x1e}) {
		t.Error("HasEndbr64(truncated prefix) = true, want false")
	}
}
