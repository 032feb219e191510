package compile

import (
	"testing"

	"github.com/0xDC00/stalker/internal/slab"
)

func TestPadToPadsWithNop(t *testing.T) {
	got := padTo([]byte{0x90, 0xc3}, 5)
	want := []byte{0x90, 0xc3, 0x90, 0x90, 0x90}
	if len(got) != len(want) {
		t.Fatalf("len(padTo) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("padTo[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestPadToPanicsWhenOversize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("padTo did not panic on an oversized rewrite")
		}
	}()
	padTo([]byte{1, 2, 3}, 1)
}

func TestPutGetUintptrRoundTrip(t *testing.T) {
	var buf [8]byte
	const v = uintptr(0xdeadbeefcafe)
	putUintptr(buf[:], v)
	if got := getUintptr(buf[:]); got != v {
		t.Errorf("getUintptr(putUintptr(%#x)) = %#x", v, got)
	}
}

type fakeObserver struct {
	notified []Backpatch
}

func (f *fakeObserver) BackpatchNotify(p Backpatch) { f.notified = append(f.notified, p) }

func newBackpatchBlock(t *testing.T, footprint int) (*slab.Pool, *slab.ExecBlock) {
	t.Helper()
	pool := slab.NewPool(true, 64*1024)
	t.Cleanup(func() { pool.Close() })

	sl, codeStart, mem, err := pool.Reserve(footprint)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := sl.Thaw(); err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	for i := range mem {
		mem[i] = 0xCC // int3, so an unpatched rewrite is easy to spot
	}
	if err := sl.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	block := slab.NewExecBlock(1, sl)
	block.CodeStart = codeStart
	block.CodeSize = footprint
	block.Capacity = footprint
	return pool, block
}

func TestApplyJmpRewritesStubAndNotifies(t *testing.T) {
	_, block := newBackpatchBlock(t, StubFootprint)
	obs := &fakeObserver{}
	bp := &Backpatcher{Observer: obs}

	patch := Backpatch{Kind: BackpatchJmp, Offset: 0}
	if err := bp.ApplyJmp(block, patch, 0x4000, 0); err != nil {
		t.Fatalf("ApplyJmp: %v", err)
	}

	got := block.CodeSlab.Bytes(block.CodeStart, StubFootprint)
	if got[0] == 0xCC {
		t.Error("stub was not rewritten (still int3)")
	}
	if len(obs.notified) != 1 || obs.notified[0].Kind != BackpatchJmp {
		t.Errorf("notified = %+v, want one BackpatchJmp", obs.notified)
	}
}

func TestApplyRetRewritesStub(t *testing.T) {
	_, block := newBackpatchBlock(t, StubFootprint)
	bp := &Backpatcher{}

	if err := bp.ApplyRet(block, Backpatch{Kind: BackpatchRet, Offset: 0}, 0x5000); err != nil {
		t.Fatalf("ApplyRet: %v", err)
	}
	got := block.CodeSlab.Bytes(block.CodeStart, StubFootprint)
	if got[0] == 0xCC {
		t.Error("stub was not rewritten (still int3)")
	}
}

func TestApplyCallRewritesWithinFootprint(t *testing.T) {
	const footprint = StubFootprint
	_, block := newBackpatchBlock(t, footprint)
	bp := &Backpatcher{Shadow: 0x9000}

	patch := Backpatch{Kind: BackpatchCall, Offset: 0}
	if err := bp.ApplyCall(block, patch, 0x6000, 0x7000, 0x7001, footprint); err != nil {
		t.Fatalf("ApplyCall: %v", err)
	}
	got := block.CodeSlab.Bytes(block.CodeStart, footprint)
	if got[0] == 0xCC {
		t.Error("stub was not rewritten (still int3)")
	}
}

func TestApplyInlineCacheFillsFirstEmptySlot(t *testing.T) {
	const icEntries = 4
	tableSize := ICTableSize(icEntries)
	pool := slab.NewPool(true, 64*1024)
	defer pool.Close()

	sl, tableAddr, mem, err := pool.Reserve(tableSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := sl.Thaw(); err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	for i := range mem {
		mem[i] = 0
	}
	if err := sl.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	bp := &Backpatcher{}
	filled, err := bp.ApplyInlineCache(sl, tableAddr, icEntries, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("ApplyInlineCache: %v", err)
	}
	if !filled {
		t.Fatal("ApplyInlineCache reported the table full on the first fill")
	}

	table := icEntryView(sl, tableAddr, icEntries)
	if table[0].RealStart != 0x1000 || table[0].CodeStart != 0x2000 {
		t.Errorf("table[0] = %+v, want {RealStart:0x1000 CodeStart:0x2000}", table[0])
	}

	// Filling every remaining slot, then one more, must report false
	// rather than overflow the table.
	for i := 1; i < icEntries; i++ {
		ok, err := bp.ApplyInlineCache(sl, tableAddr, icEntries, uintptr(0x1000+i), uintptr(0x2000+i))
		if err != nil || !ok {
			t.Fatalf("ApplyInlineCache(slot %d) = %v, %v", i, ok, err)
		}
	}
	full, err := bp.ApplyInlineCache(sl, tableAddr, icEntries, 0x9999, 0x8888)
	if err != nil {
		t.Fatalf("ApplyInlineCache(full table): %v", err)
	}
	if full {
		t.Error("ApplyInlineCache reported success on an already-full table")
	}
}
