package stalker

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/0xDC00/stalker/internal/compile"
	"github.com/0xDC00/stalker/platform"
)

// These tests drive the concrete end-to-end scenarios from spec.md §8
// directly against real in-process byte sequences, the same way
// compiler_test.go exercises the compiler without ever transferring
// control to the emitted code: each scenario calls the ExecCtx/Stalker
// entry points a real execution would hit (obtain_block_for, the gate
// functions, invalidate) and checks the engine-side bookkeeping those
// calls are supposed to leave behind.

// readICTable decodes n inline-cache entries out of a code slab at
// tableAddr, the same little-endian (real_start, code_start) layout
// Backpatcher.ApplyInlineCache writes.
func readICTable(read func(addr uintptr, n int) []byte, tableAddr uintptr, n int) []compile.ICEntry {
	raw := read(tableAddr, n*16)
	out := make([]compile.ICEntry, n)
	for i := range out {
		out[i] = compile.ICEntry{
			RealStart: uintptr(binary.LittleEndian.Uint64(raw[i*16 : i*16+8])),
			CodeStart: uintptr(binary.LittleEndian.Uint64(raw[i*16+8 : i*16+16])),
		}
	}
	return out
}

// TestScenarioHotLoopBackpatchesOnSecondIteration is spec.md §8 scenario
// 1: a block containing a direct JMP to itself, trust threshold 1.
// Compiling it is expected to happen exactly once; the jump is expected
// to be backpatched into a direct transfer by the second time the
// target resolves, once the block has earned one successful reuse.
func TestScenarioHotLoopBackpatchesOnSecondIteration(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0xeb // jmp rel8
	code[1] = 0xfe // displacement -2: branches back to its own address
	realStart := uintptr(unsafe.Pointer(&code[0]))

	st := New(Mode64)
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (iteration 1): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 1 {
		t.Errorf("CounterBlocksCompiled after iteration 1 = %d, want 1", got)
	}

	ctx.codeLock.Lock()
	pending := len(ctx.backpatchesByTarget[realStart])
	ctx.codeLock.Unlock()
	if pending == 0 {
		t.Fatal("no pending backpatch recorded after the first compile of a self-looping jump")
	}

	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (iteration 2): %v", err)
	}

	ctx.codeLock.Lock()
	pending = len(ctx.backpatchesByTarget[realStart])
	ctx.codeLock.Unlock()
	if pending != 0 {
		t.Error("backpatch still pending after the block's second, trust-meeting resolution")
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 1 {
		t.Errorf("CounterBlocksCompiled after iteration 2 = %d, want 1 (no recompile expected)", got)
	}

	// A third resolution should be a pure cache hit: no further compiles,
	// no further backpatch bookkeeping to apply.
	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (iteration 3): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 1 {
		t.Errorf("CounterBlocksCompiled after iteration 3 = %d, want 1", got)
	}
}

// TestScenarioMonomorphicIndirectCallFillsSingleSlot is spec.md §8
// scenario 2: an indirect call site dispatching to the same target on
// every invocation should fill exactly one inline-cache slot, and every
// invocation after the first should resolve as a table hit rather than
// mutating the table again.
func TestScenarioMonomorphicIndirectCallFillsSingleSlot(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0xff // call rax
	code[1] = 0xd0
	code[2] = 0xc3 // ret (never reached; the indirect call never actually runs)
	realStart := uintptr(unsafe.Pointer(&code[0]))

	st := New(Mode64)
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	res, err := ctx.compiler.Compile(realStart, PassthroughTransformer{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.ICTable == 0 {
		t.Fatal("indirect-call block carries no inline-cache table")
	}

	readBytes := func(addr uintptr, n int) []byte { return res.Block.CodeSlab.Bytes(addr, n) }
	entries := st.ICEntries()

	const target = uintptr(0x41414000)
	const targetCode = uintptr(0x51515000)

	// Invocation 1: the dispatch loop finds the table empty and the
	// engine fills the first slot.
	filled, err := ctx.backpatcher.ApplyInlineCache(res.Block.CodeSlab, res.ICTable, entries, target, targetCode)
	if err != nil {
		t.Fatalf("ApplyInlineCache: %v", err)
	}
	if !filled {
		t.Fatal("ApplyInlineCache reported the table full on the very first fill")
	}

	table := readICTable(readBytes, res.ICTable, entries)
	if idx := compile.FindICSlot(table, target); idx != 0 {
		t.Fatalf("FindICSlot(target) = %d, want 0", idx)
	}

	// Invocations 2 through 10: same target every time, so the dispatch
	// loop's own table scan (simulated here by FindICSlot) resolves it as
	// a hit without ever calling ApplyInlineCache again.
	for i := 2; i <= 10; i++ {
		table = readICTable(readBytes, res.ICTable, entries)
		idx := compile.FindICSlot(table, target)
		if idx != 0 {
			t.Fatalf("invocation %d: FindICSlot(target) = %d, want 0 (no second slot should ever be used)", i, idx)
		}
		if table[0].CodeStart != targetCode {
			t.Fatalf("invocation %d: slot 0 code_start = %#x, want %#x (must never be overwritten)", i, table[0].CodeStart, targetCode)
		}
	}
}

// TestScenarioPolymorphicIndirectCallNeverOverwritesASlot is spec.md §8
// scenario 3: ic_entries=2, three distinct call targets round-robin for
// six invocations. The first two distinct targets should each win a
// slot; the third should take the slow path every time it recurs, and
// no slot already filled should ever change value.
func TestScenarioPolymorphicIndirectCallNeverOverwritesASlot(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0xff // call rax
	code[1] = 0xd0
	code[2] = 0xc3
	realStart := uintptr(unsafe.Pointer(&code[0]))

	st := New(Mode64)
	if err := st.SetICEntries(2); err != nil {
		t.Fatalf("SetICEntries(2): %v", err)
	}
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	res, err := ctx.compiler.Compile(realStart, PassthroughTransformer{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	readBytes := func(addr uintptr, n int) []byte { return res.Block.CodeSlab.Bytes(addr, n) }
	entries := st.ICEntries()

	targets := []uintptr{0x61000, 0x62000, 0x63000}
	codes := []uintptr{0x71000, 0x72000, 0x73000}
	sequence := []int{0, 1, 2, 0, 1, 2} // round-robin over the three targets, six invocations

	var slowPathHits int
	for n, ti := range sequence {
		table := readICTable(readBytes, res.ICTable, entries)
		if idx := compile.FindICSlot(table, targets[ti]); idx >= 0 {
			if table[idx].CodeStart != codes[ti] {
				t.Fatalf("invocation %d: slot %d code_start = %#x, want %#x", n, idx, table[idx].CodeStart, codes[ti])
			}
			continue // table hit: the dispatch loop never calls back into the engine
		}
		slowPathHits++
		filled, err := ctx.backpatcher.ApplyInlineCache(res.Block.CodeSlab, res.ICTable, entries, targets[ti], codes[ti])
		if err != nil {
			t.Fatalf("ApplyInlineCache: %v", err)
		}
		if ti == 2 && filled {
			t.Error("the third distinct target filled a slot with only two entries available")
		}
	}

	// Target index 2 (the third distinct callee) must take the slow path
	// on both of its occurrences, since it never wins a slot.
	table := readICTable(readBytes, res.ICTable, entries)
	if compile.FindICSlot(table, targets[2]) >= 0 {
		t.Error("the table-exhausted target somehow ended up occupying a slot")
	}
	if compile.FindICSlot(table, targets[0]) < 0 || compile.FindICSlot(table, targets[1]) < 0 {
		t.Error("the first two distinct targets should both hold a slot")
	}
}

// TestScenarioSelfModifyingTargetRecompilesUnderZeroTrust is spec.md §8
// scenario 4: trust threshold 0 ("always revalidate"). Mutating a byte
// inside an already-compiled block's real bytes must be caught on the
// very next resolution, producing a fresh compile rather than reusing
// the stale translation.
func TestScenarioSelfModifyingTargetRecompilesUnderZeroTrust(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0x90 // nop
	code[1] = 0x50 // push rax
	code[2] = 0xc3 // ret
	realStart := uintptr(unsafe.Pointer(&code[0]))

	st := New(Mode64)
	st.SetTrustThreshold(0)
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (initial compile): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 1 {
		t.Fatalf("CounterBlocksCompiled after initial compile = %d, want 1", got)
	}

	// Still unmodified: trust=0 re-verifies the snapshot every time but
	// must not recompile when nothing changed.
	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (unmodified re-check): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 1 {
		t.Errorf("CounterBlocksCompiled after an unmodified re-check = %d, want 1", got)
	}

	code[1] = 0x51 // push rcx: same length and kind, different byte

	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (after mutation): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 2 {
		t.Errorf("CounterBlocksCompiled after mutation = %d, want 2 (snapshot mismatch must force a recompile)", got)
	}

	// The new translation's own snapshot now reflects the mutated byte,
	// so resolving again must not trigger yet another recompile.
	if _, err := ctx.obtainBlockFor(realStart); err != nil {
		t.Fatalf("obtainBlockFor (post-recompile re-check): %v", err)
	}
	if got := ctx.Counters()[compile.CounterBlocksCompiled]; got != 2 {
		t.Errorf("CounterBlocksCompiled after the post-recompile re-check = %d, want 2", got)
	}
}

// TestScenarioExcludedCallResumesAtReturnSiteWithShadowDepthPreserved is
// spec.md §8 scenario 5: a direct call into an excluded range runs its
// callee uninstrumented, then execution is expected to resume in
// translated code at the return site with the shadow stack's depth
// unchanged across the whole excursion.
func TestScenarioExcludedCallResumesAtReturnSiteWithShadowDepthPreserved(t *testing.T) {
	code := make([]byte, 32)
	// call rel32 into the exclusion range below, then ret (the return site).
	code[0] = 0xe8
	code[1], code[2], code[3], code[4] = 0x00, 0x10, 0x00, 0x00 // target = realStart + 5 + 0x1000
	code[5] = 0xc3
	realStart := uintptr(unsafe.Pointer(&code[0]))
	excludedTarget := realStart + 5 + 0x1000

	st := New(Mode64)
	st.Exclude(AddressRange{Start: excludedTarget - 0x10, End: excludedTarget + 0x10})
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	res, err := ctx.compiler.Compile(realStart, PassthroughTransformer{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := ctx.Counters()[compile.CounterExcludedCallImm]; got != 1 {
		t.Errorf("CounterExcludedCallImm = %d, want 1", got)
	}
	for _, bp := range res.Backpatches {
		if bp.Kind == BackpatchCall {
			t.Error("an excluded call must not produce a BackpatchCall entry; its callee is never virtualized")
		}
	}
	if res.Continuation == 0 {
		t.Fatal("an excluded call's block must end in an explicit continuation, not a real terminator")
	}
	wantContinuation := realStart + 5
	if res.Continuation != wantContinuation {
		t.Errorf("Continuation = %#x, want %#x (the instruction right after the call)", res.Continuation, wantContinuation)
	}

	depthBefore := ctx.shadowStack.Depth()
	ctx.gatePendingCallEnter(0)
	if ctx.pendingCalls.Load() != 1 {
		t.Errorf("pendingCalls after gatePendingCallEnter = %d, want 1", ctx.pendingCalls.Load())
	}
	ctx.gatePendingCallExit(0)
	if ctx.pendingCalls.Load() != 0 {
		t.Errorf("pendingCalls after gatePendingCallExit = %d, want 0", ctx.pendingCalls.Load())
	}
	if depthAfter := ctx.shadowStack.Depth(); depthAfter != depthBefore {
		t.Errorf("shadow stack depth changed across the excluded call (before=%d after=%d), want unchanged", depthBefore, depthAfter)
	}

	// Execution resumes in translated code at the return site: the
	// continuation's own target must compile and resolve cleanly.
	if _, err := ctx.obtainBlockFor(res.Continuation); err != nil {
		t.Fatalf("obtainBlockFor(continuation): %v", err)
	}
}

// TestScenarioCrossThreadInvalidationConverges is spec.md §8 scenario 6:
// one goroutine repeatedly resolves a block (standing in for a thread
// executing it in a tight loop) while another concurrently invalidates
// it. The looping side is expected to observe the fresh translation's
// code_start within a bounded number of iterations, never an error.
func TestScenarioCrossThreadInvalidationConverges(t *testing.T) {
	code := make([]byte, 32)
	code[0] = 0x90
	code[1] = 0xc3
	realStart := uintptr(unsafe.Pointer(&code[0]))

	st := New(Mode64)
	tid := platform.CurrentThreadID()
	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer st.Unfollow(tid)

	first, err := ctx.obtainBlockFor(realStart)
	if err != nil {
		t.Fatalf("obtainBlockFor (initial): %v", err)
	}

	var mu sync.Mutex
	current := first
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			cs, err := ctx.obtainBlockFor(realStart)
			if err != nil {
				t.Errorf("obtainBlockFor (looping thread): %v", err)
				return
			}
			mu.Lock()
			current = cs
			mu.Unlock()
		}
	}()

	time.Sleep(time.Millisecond)
	if err := st.InvalidateForThread(tid, realStart); err != nil {
		t.Fatalf("InvalidateForThread: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	changed := false
	for time.Now().Before(deadline) {
		mu.Lock()
		cs := current
		mu.Unlock()
		if cs != first {
			changed = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	if !changed {
		t.Error("the looping thread never observed a fresh code_start after cross-thread invalidation")
	}
}
