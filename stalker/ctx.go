package stalker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/0xDC00/stalker/internal/compile"
	"github.com/0xDC00/stalker/internal/shadow"
	"github.com/0xDC00/stalker/internal/slab"
	"github.com/0xDC00/stalker/platform"
)

// State is an ExecCtx's position in the lifecycle state machine (spec.md
// §4.8). Transitions are monotonic: Active -> UnfollowPending ->
// DestroyPending.
type State int32

const (
	StateActive State = iota
	StateUnfollowPending
	StateDestroyPending
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateUnfollowPending:
		return "UnfollowPending"
	case StateDestroyPending:
		return "DestroyPending"
	default:
		return "Unknown"
	}
}

const shadowStackCapacity = 4096

// ExecCtx is the per-traced-thread controller (spec.md §3 "ExecCtx",
// §4.8 state machine). One exists per followed thread, created by
// Stalker.Follow and destroyed only once GarbageCollect proves the
// thread is no longer executing translated code.
type ExecCtx struct {
	st  *Stalker
	tid int

	state State32
	// runMode is written directly by translated code's opaque-branch
	// stub (spec.md §4.6), so it must stay an 8-byte atomic.Int64 cell
	// rather than the narrower int32 a pure Go-side RunMode would use:
	// the stub stores into it with a plain 8-byte MOVQ, and any smaller
	// width risks clobbering whatever field follows it.
	runMode atomic.Int64

	codeLock sync.Mutex // spec.md's code_lock: guards every code-slab mutation below
	blocks   map[uintptr]*slab.ExecBlock

	codePool *slab.Pool
	dataPool *slab.Pool

	compiler    *compile.Compiler
	helpers     *compile.HelperSet
	backpatcher *compile.Backpatcher
	counters    *compile.Counters

	shadowStack *shadow.Stack

	appStack         uintptr
	activationTarget uintptr
	resumeAt         uintptr
	pendingReturn    uintptr // saved original return location across activate/deactivate

	pendingCalls atomic.Int64

	destroyPendingSince time.Time

	transformer Transformer
	sink        EventSink
	observer    Observer

	calloutMu      sync.Mutex
	calloutsByAddr map[uintptr]calloutEntry

	// backpatchesByTarget holds every not-yet-applied Backpatch a compiled
	// block produced, keyed by the real address it targets, until that
	// target resolves to a trusted block (spec.md §4.7). Guarded by
	// codeLock, same as blocks.
	backpatchesByTarget map[uintptr][]pendingBackpatch

	// thread is non-nil only while a foreign (not-currently-executing-
	// Go-code) thread is suspended for infection/invalidation/probe
	// installation; nil for the common self-tracing case.
	thread platform.Thread
}

// State32 is a tiny atomic wrapper so ExecCtx.State()/transition helpers
// read cleanly without exposing a raw atomic.Int32 in the struct literal
// above.
type State32 struct{ v atomic.Int32 }

func (s *State32) Load() State     { return State(s.v.Load()) }
func (s *State32) Store(v State)   { s.v.Store(int32(v)) }
func (s *State32) CAS(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

// pendingBackpatch pairs a Backpatch record with the block it was
// emitted into, so applyPendingBackpatches can hand both to the right
// Backpatcher.Apply* call once the address it targets resolves.
type pendingBackpatch struct {
	block *slab.ExecBlock
	patch compile.Backpatch
}

// newExecCtx allocates an ExecCtx and wires its compiler/helper/backpatch
// machinery against fresh code and data slab pools.
func newExecCtx(st *Stalker, tid int, mode compile.Mode, transformer Transformer, sink EventSink) *ExecCtx {
	if transformer == nil {
		transformer = PassthroughTransformer{}
	}
	if sink == nil {
		sink = NullSink{}
	}

	ctx := &ExecCtx{
		st:             st,
		tid:            tid,
		blocks:         make(map[uintptr]*slab.ExecBlock),
		codePool:       slab.NewPool(true, slab.DefaultSize),
		dataPool:       slab.NewPool(false, slab.DefaultSize),
		shadowStack:    shadow.New(shadowStackCapacity),
		counters:       &compile.Counters{},
		transformer:    transformer,
		sink:                sink,
		calloutsByAddr:      make(map[uintptr]calloutEntry),
		backpatchesByTarget: make(map[uintptr][]pendingBackpatch),
	}
	ctx.state.Store(StateActive)

	token := compile.TokenOf(unsafe.Pointer(ctx))

	fields := compile.CtxFields{
		AppStack: uintptr(unsafe.Pointer(&ctx.appStack)),
		Token:    token,
		ModeAddr: uintptr(unsafe.Pointer(&ctx.runMode)),
	}
	_, shadowHeaderAddr, _, err := ctx.dataPool.Reserve(16)
	if err != nil {
		fatalf("stalker: reserve shadow header: %v", err)
	}
	ctx.helpers = compile.NewHelperSet(ctx.codePool, fields, shadowHeaderAddr, st.ICEntries())
	ctx.backpatcher = &compile.Backpatcher{Observer: nil, Shadow: shadowHeaderAddr}

	ctx.compiler = &compile.Compiler{
		Mode:            mode,
		CodePool:        ctx.codePool,
		Helpers:         ctx.helpers,
		Mem:             ctx.readMem,
		Excluded:        st.excluded,
		HasProbe:        st.hasProbe,
		Sink:            sink,
		Counters:        ctx.counters,
		ICEntries:       st.ICEntries(),
		TrustThreshold:  st.TrustThreshold(),
		Token:           token,
		RegisterCallout: ctx.registerCallout,
		ModeAddr:        fields.ModeAddr,
	}

	compile.Register(token, ctx.gates())
	return ctx
}

// readMem is the Compiler's MemReader: a self-tracing ExecCtx reads its
// own address space directly, a foreign one goes through the suspended
// platform.Thread.
func (ctx *ExecCtx) readMem(addr uintptr, n int) ([]byte, error) {
	if ctx.thread != nil {
		return ctx.thread.ReadMemory(addr, n)
	}
	return platform.ReadSelf(addr, n), nil
}

// gates wires the entry-gate dispatch table every piece of translated
// code for this ExecCtx calls back into (see internal/compile's
// trampoline.go). Each gate runs with pending_calls incremented for its
// duration (spec.md §4.8), since it may re-enter the transformer/sink.
func (ctx *ExecCtx) gates() map[compile.GateID]compile.Gate {
	wrap := func(fn compile.Gate) compile.Gate {
		return func(realAddr uintptr) uintptr {
			ctx.pendingCalls.Add(1)
			defer ctx.pendingCalls.Add(-1)
			return fn(realAddr)
		}
	}
	return map[compile.GateID]compile.Gate{
		compile.GateCallImm:          wrap(ctx.gateCall),
		compile.GateCallMem:          wrap(ctx.gateCall),
		compile.GateCallReg:          wrap(ctx.gateCall),
		compile.GateJmpMem:           wrap(ctx.gateJmp),
		compile.GateJmpReg:           wrap(ctx.gateJmp),
		compile.GateRetSlowPath:      wrap(ctx.gateRet),
		compile.GateInvalidator:      wrap(ctx.gateInvalidate),
		compile.GateSysenterSlowPath: wrap(ctx.gateJmp),
		compile.GateProbeInvoke:      wrap(ctx.gateProbe),
		compile.GateCallout:          wrap(ctx.gateCallout),
		// Unwrapped: these manage pending_calls themselves across the
		// excluded call's entire native execution window, not just the
		// trampoline hop that invokes them (see gatePendingCallEnter).
		compile.GatePendingCallEnter: ctx.gatePendingCallEnter,
		compile.GatePendingCallExit:  ctx.gatePendingCallExit,
	}
}

// obtainBlockFor implements spec.md §4.2 step 1 and §4.4's reuse policy:
// look the address up in the block mapping, decide up-to-date / stale /
// fresh, and return a code_start callers can transfer control to. Once
// resolved, any backpatch waiting on this address gets a chance to apply
// (spec.md §4.7) — done outside codeLock, since completing a Call
// backpatch needs to obtain_block_for the call's continuation too.
func (ctx *ExecCtx) obtainBlockFor(realAddr uintptr) (uintptr, error) {
	ctx.codeLock.Lock()
	codeStart, err := ctx.obtainBlockForLocked(realAddr)
	ctx.codeLock.Unlock()
	if err != nil {
		return 0, err
	}
	ctx.applyPendingBackpatches(realAddr)
	return codeStart, nil
}

// obtainBlockForLocked is obtainBlockFor's body; callers must already
// hold codeLock (gateInvalidate's recompile path relies on this too).
func (ctx *ExecCtx) obtainBlockForLocked(realAddr uintptr) (uintptr, error) {
	trust := ctx.compiler.TrustThreshold
	if b, ok := ctx.blocks[realAddr]; ok {
		// trust == 0 means "always revalidate" (spec.md §4.4): unlike the
		// trust>0 case, a recycle count of zero must never read as
		// already-trusted, so the revalidation path below always runs.
		upToDate := trust < 0 || (trust > 0 && b.RecycleCount >= trust)
		if !upToDate {
			cur, err := ctx.readMem(realAddr, b.RealSize)
			if err != nil {
				return 0, err
			}
			upToDate = b.VerifySnapshot(cur)
		}
		if upToDate {
			if trust > 0 {
				b.RecycleCount++
			}
			return b.CodeStart, nil
		}
		return ctx.recompile(b)
	}

	res, err := ctx.compiler.Compile(realAddr, ctx.transformer)
	if err != nil {
		return 0, fmt.Errorf("stalker: compile %#x: %w", realAddr, err)
	}
	ctx.blocks[realAddr] = res.Block
	ctx.queueBackpatches(res.Block, res.Backpatches)
	if ctx.sink != nil && ctx.sink.QueryMask()&EventBlock != 0 {
		ctx.sink.Process(Event{Kind: EventBlock, Block: &BlockEvent{Start: realAddr, End: realAddr + uintptr(res.Block.RealSize)}}, nil)
	}
	return res.Block.CodeStart, nil
}

// recompile re-translates a stale block in place (spec.md §4.4,
// "Recompile"): same identity (real_start -> code_start) if it fits in
// the existing capacity, otherwise a secondary storage block chained via
// an unconditional jump.
func (ctx *ExecCtx) recompile(b *slab.ExecBlock) (uintptr, error) {
	res, err := ctx.compiler.Compile(b.RealStart, ctx.transformer)
	if err != nil {
		return 0, err
	}
	fresh := res.Block
	if fresh.CodeSize+fresh.RealSize <= b.Capacity {
		if err := b.CodeSlab.Thaw(); err != nil {
			return 0, err
		}
		copy(b.CodeSlab.Bytes(b.CodeStart, fresh.CodeSize), fresh.CodeSlab.Bytes(fresh.CodeStart, fresh.CodeSize))
		if ctx.compiler.TrustThreshold != 0 {
			orig, err := ctx.readMem(b.RealStart, b.RealSize)
			if err != nil {
				return 0, err
			}
			b.CommitSnapshot(orig)
		}
		if err := b.CodeSlab.Freeze(); err != nil {
			return 0, err
		}
		b.RecycleCount = 0
		ctx.queueBackpatches(b, res.Backpatches)
		return b.CodeStart, nil
	}

	// Does not fit: keep real_start -> code_start stable by chaining to a
	// secondary storage block (spec.md §4.4).
	b.StorageBlock = fresh
	b.RecycleCount = 0
	ctx.queueBackpatches(fresh, res.Backpatches)
	return fresh.CodeStart, nil
}

// queueBackpatches records a freshly compiled block's Jmp/Call
// backpatches against the real address each one targets, so
// applyPendingBackpatches can find and apply them once that address
// resolves to a trusted block. Callers must hold codeLock. Ret and
// InlineCache backpatches are not produced by the compiler today (Ret
// targets are resolved purely at runtime off the shadow stack;
// InlineCache entries are filled directly by the indirect-branch gates).
func (ctx *ExecCtx) queueBackpatches(block *slab.ExecBlock, backpatches []compile.Backpatch) {
	for _, bp := range backpatches {
		if bp.Kind != compile.BackpatchJmp && bp.Kind != compile.BackpatchCall {
			continue
		}
		ctx.backpatchesByTarget[bp.To] = append(ctx.backpatchesByTarget[bp.To], pendingBackpatch{block: block, patch: bp})
	}
}

// applyPendingBackpatches rewrites every backpatch waiting on realAddr
// into a direct transfer, but only once realAddr's block has become
// trusted (spec.md §4.7's eligibility rule: reused enough times that a
// stale recompile is no longer expected on every hit) and is not itself
// an activation-only landing block. Must be called without codeLock
// held, since BackpatchCall entries need obtain_block_for for their
// continuation.
func (ctx *ExecCtx) applyPendingBackpatches(realAddr uintptr) {
	ctx.codeLock.Lock()
	pending, ok := ctx.backpatchesByTarget[realAddr]
	if !ok || len(pending) == 0 {
		ctx.codeLock.Unlock()
		return
	}
	b, ok := ctx.blocks[realAddr]
	if !ok {
		ctx.codeLock.Unlock()
		return
	}
	trust := ctx.compiler.TrustThreshold
	// Same trust==0 correction as obtainBlockForLocked: a never-trusted
	// block must not look eligible for finalized backpatching just
	// because its recycle count happens to be zero.
	trusted := trust < 0 || (trust > 0 && b.RecycleCount >= trust)
	if !trusted || b.HasFlag(slab.FlagActivationTarget) {
		ctx.codeLock.Unlock()
		return
	}
	targetCodeStart := b.CodeStart
	delete(ctx.backpatchesByTarget, realAddr)
	ctx.codeLock.Unlock()

	for _, pb := range pending {
		switch pb.patch.Kind {
		case compile.BackpatchJmp:
			ctx.codeLock.Lock()
			err := ctx.backpatcher.ApplyJmp(pb.block, pb.patch, targetCodeStart, 0)
			ctx.codeLock.Unlock()
			if err != nil {
				fatalf("stalker: apply jmp backpatch %#x -> %#x: %v", pb.patch.From, pb.patch.To, err)
			}
		case compile.BackpatchCall:
			contCode, err := ctx.obtainBlockFor(pb.patch.ContinuationReal)
			if err != nil {
				fatalf("stalker: compile call continuation %#x: %v", pb.patch.ContinuationReal, err)
			}
			ctx.codeLock.Lock()
			footprint := pb.block.CodeSize - pb.patch.Offset - 1
			err = ctx.backpatcher.ApplyCall(pb.block, pb.patch, targetCodeStart, pb.patch.ContinuationReal, contCode, footprint)
			ctx.codeLock.Unlock()
			if err != nil {
				fatalf("stalker: apply call backpatch %#x -> %#x: %v", pb.patch.From, pb.patch.To, err)
			}
		}
	}
}

// Activate implements spec.md §4.1 activate/deactivate: a no-op if the
// return address already lies in translated code, otherwise compiles the
// caller's return target, records the original target in pendingReturn
// and its translation in activationTarget.
func (ctx *ExecCtx) Activate(target uintptr) error {
	if ctx.codePool.Contains(target) {
		return nil
	}
	codeStart, err := ctx.obtainBlockFor(target)
	if err != nil {
		return err
	}
	ctx.codeLock.Lock()
	if b, ok := ctx.blocks[target]; ok {
		b.SetFlag(slab.FlagActivationTarget)
	}
	ctx.codeLock.Unlock()
	ctx.pendingReturn = target
	ctx.activationTarget = codeStart
	return nil
}

// Deactivate clears the activation target set by the last Activate
// call. It does not rewrite any return address back to the original
// target; pendingReturn is left as Activate recorded it.
func (ctx *ExecCtx) Deactivate() {
	ctx.activationTarget = 0
}

// requestUnfollow performs the Active -> UnfollowPending transition
// (spec.md §4.8). The transition to fully destroyed happens later, out
// of a helper callback that observes pending_calls == 0 (modeled here as
// GarbageCollect, since this engine has no dedicated helper-callback
// thread of its own distinct from the gate dispatch path).
func (ctx *ExecCtx) requestUnfollow() {
	ctx.state.CAS(StateActive, StateUnfollowPending)
}

// tryCompleteUnfollow finishes an UnfollowPending -> DestroyPending
// transition once no engine frame is still pending (spec.md §4.8:
// "pending_calls is incremented around any call from translated code
// into engine callbacks... while nonzero, unfollow must not complete").
func (ctx *ExecCtx) tryCompleteUnfollow() bool {
	if ctx.state.Load() != StateUnfollowPending {
		return false
	}
	if ctx.pendingCalls.Load() != 0 {
		return false
	}
	ctx.resumeAt = 0
	if ctx.state.CAS(StateUnfollowPending, StateDestroyPending) {
		ctx.destroyPendingSince = time.Now()
		return true
	}
	return false
}

const destroyGracePeriod = 20 * time.Millisecond

// readyToDestroy reports whether GarbageCollect may reclaim this ExecCtx:
// either the calling goroutine is the owning thread (selfCollect) or the
// grace period since DestroyPending has elapsed.
func (ctx *ExecCtx) readyToDestroy(selfCollect bool) bool {
	if ctx.state.Load() != StateDestroyPending {
		return false
	}
	return selfCollect || time.Since(ctx.destroyPendingSince) >= destroyGracePeriod
}

// close tears down an ExecCtx's resources once GarbageCollect has
// decided to reclaim it.
func (ctx *ExecCtx) close() error {
	compile.Unregister(compile.TokenOf(unsafe.Pointer(ctx)))
	if ctx.sink != nil {
		ctx.sink.Stop()
	}
	var first error
	if err := ctx.codePool.Close(); err != nil {
		first = err
	}
	if err := ctx.dataPool.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Counters returns a snapshot of this ExecCtx's entry-gate counters
// (spec.md §6).
func (ctx *ExecCtx) Counters() map[compile.CounterKind]int64 {
	return ctx.counters.Snapshot()
}

// RunMode reports this ExecCtx's current execution mode (spec.md §3),
// including any transition into single-stepping that translated code's
// opaque-branch stub made directly (spec.md §4.6).
func (ctx *ExecCtx) RunMode() RunMode {
	return RunMode(ctx.runMode.Load())
}

// invalidate drops the translation for addr so the next execution
// recompiles it (spec.md §4.1 invalidate).
func (ctx *ExecCtx) invalidate(addr uintptr) {
	ctx.codeLock.Lock()
	defer ctx.codeLock.Unlock()
	delete(ctx.blocks, addr)
}

// calloutEntry is what PutCallout leaves behind for gateCallout to find:
// the transformer-supplied function plus the opaque data it closes over
// and the destructor run when the owning block is discarded.
type calloutEntry struct {
	fn      CalloutFunc
	data    interface{}
	destroy func(interface{})
}

// registerCallout is wired in as the Compiler's RegisterCallout hook, so
// a PutCallout issued while compiling this ExecCtx's blocks lands in
// calloutsByAddr for gateCallout/invokeCallouts to dispatch from.
func (ctx *ExecCtx) registerCallout(addr uintptr, fn CalloutFunc, data interface{}, destroy func(interface{})) {
	ctx.calloutMu.Lock()
	defer ctx.calloutMu.Unlock()
	if old, ok := ctx.calloutsByAddr[addr]; ok && old.destroy != nil {
		old.destroy(old.data)
	}
	ctx.calloutsByAddr[addr] = calloutEntry{fn: fn, data: data, destroy: destroy}
}

// calloutFor looks up the callout registered for a compiled block's real
// address, if any.
func (ctx *ExecCtx) calloutFor(addr uintptr) (calloutEntry, bool) {
	ctx.calloutMu.Lock()
	defer ctx.calloutMu.Unlock()
	e, ok := ctx.calloutsByAddr[addr]
	return e, ok
}
