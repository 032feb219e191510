package stalker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/0xDC00/stalker/internal/compile"
	"github.com/0xDC00/stalker/platform"
)

// AddressRange is a half-open [Start, End) range of real addresses, used
// both for exclusion ranges (spec.md §4.1 "exclude") and for probe
// target bookkeeping.
type AddressRange struct {
	Start, End uintptr
}

// Contains reports whether addr lies in [r.Start, r.End).
func (r AddressRange) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// ProbeID identifies a previously installed call probe (spec.md §4.1
// add_call_probe/remove_call_probe).
type ProbeID uint64

// CallProbe is invoked, with the CPUContext captured at the target
// address, every time a virtualized call transfers control there.
type CallProbe func(ctx *CPUContext, data interface{})

// probeEntry is the bookkeeping record for one installed probe.
type probeEntry struct {
	id      ProbeID
	target  uintptr
	fn      CallProbe
	data    interface{}
	destroy func(interface{})
}

// Stalker is the process-wide façade (spec.md §4.1): it owns the set of
// followed threads, the probe and exclusion-range tables shared across
// all of them, and the trust/ic_entries defaults new ExecCtxs are
// created with.
type Stalker struct {
	mu   sync.Mutex
	ctxs map[int]*ExecCtx

	exclusionsMu sync.RWMutex
	exclusions   []AddressRange

	trustThreshold atomic.Int64
	icEntries      atomic.Int64

	probeMu        sync.Mutex
	probes         map[ProbeID]*probeEntry
	probesByTarget map[uintptr][]ProbeID
	nextProbeID    atomic.Uint64

	mode compile.Mode
}

// defaultTrustThreshold mirrors the original's default of recompiling
// indefinitely trusted reuse only after a handful of successful
// snapshot verifications (spec.md §4.4); 1 matches the original's
// GUM_STALKER_DEFAULT_TRUST_THRESHOLD semantics closely enough for this
// port's trust-threshold tests.
const defaultTrustThreshold = 1

// defaultICEntries is the inline-cache table size a fresh Stalker
// creates ExecCtxs with until SetICEntries overrides it (spec.md §4.6).
const defaultICEntries = 4

// New creates a Stalker targeting the given code-generation Mode
// (Mode32 or Mode64).
func New(mode Mode) *Stalker {
	st := &Stalker{
		ctxs:           make(map[int]*ExecCtx),
		probes:         make(map[ProbeID]*probeEntry),
		probesByTarget: make(map[uintptr][]ProbeID),
		mode:           mode,
	}
	st.trustThreshold.Store(defaultTrustThreshold)
	st.icEntries.Store(defaultICEntries)
	return st
}

// TrustThreshold returns the reuse trust threshold new ExecCtxs are
// created with (spec.md §4.4): negative means trust forever, 0 means
// always revalidate, n>0 means revalidate until n successful reuses.
func (st *Stalker) TrustThreshold() int { return int(st.trustThreshold.Load()) }

// SetTrustThreshold changes the trust threshold for ExecCtxs created by
// later Follow calls; an already-followed thread keeps the threshold its
// ExecCtx was created with.
func (st *Stalker) SetTrustThreshold(n int) { st.trustThreshold.Store(int64(n)) }

// ICEntries returns the inline-cache table size new ExecCtxs are created
// with.
func (st *Stalker) ICEntries() int { return int(st.icEntries.Load()) }

// SetICEntries changes the inline-cache table size for ExecCtxs created
// by later Follow calls; an already-followed thread keeps the size its
// ExecCtx was created with (spec.md §4.6: valid range is [2, 32]).
func (st *Stalker) SetICEntries(n int) error {
	if n < 2 || n > 32 {
		return ErrICEntriesOutOfRange
	}
	st.icEntries.Store(int64(n))
	return nil
}

// Exclude adds a range of real addresses the compiler will never
// translate into; a direct call or direct jump whose target falls in an
// excluded range runs unmodified instead (spec.md §4.1 "exclude").
// Indirect branch targets are not checked against the excluded ranges.
func (st *Stalker) Exclude(r AddressRange) {
	st.exclusionsMu.Lock()
	defer st.exclusionsMu.Unlock()
	st.exclusions = append(st.exclusions, r)
}

// excluded is the Compiler.Excluded hook.
func (st *Stalker) excluded(addr uintptr) bool {
	st.exclusionsMu.RLock()
	defer st.exclusionsMu.RUnlock()
	for _, r := range st.exclusions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// hasProbe is the Compiler.HasProbe hook: it tells the compiler to emit
// a GateProbeInvoke call site at addr.
func (st *Stalker) hasProbe(addr uintptr) bool {
	st.probeMu.Lock()
	defer st.probeMu.Unlock()
	return len(st.probesByTarget[addr]) > 0
}

// Follow starts tracing tid (spec.md §4.1 "follow"). tid ==
// platform.CurrentThreadID() follows the calling thread in place, the
// common case this port optimizes for; any other tid suspends the
// foreign thread via platform.SuspendThread and installs an
// activation target at its current instruction pointer before resuming
// it, mirroring the original's cross-thread infect-thunk path.
func (st *Stalker) Follow(tid int, transformer Transformer, sink EventSink) (*ExecCtx, error) {
	st.mu.Lock()
	if _, ok := st.ctxs[tid]; ok {
		st.mu.Unlock()
		return nil, ErrAlreadyFollowed
	}
	st.mu.Unlock()

	ctx := newExecCtx(st, tid, st.mode, transformer, sink)

	if tid != platform.CurrentThreadID() {
		thread, err := platform.SuspendThread(tid)
		if err != nil {
			ctx.close()
			return nil, err
		}
		ctx.thread = thread
		regs, err := thread.GetRegs()
		if err != nil {
			ctx.close()
			return nil, err
		}
		if err := ctx.Activate(regs.IP); err != nil {
			ctx.close()
			return nil, err
		}
		regs.IP = ctx.activationTarget
		if err := thread.SetRegs(regs); err != nil {
			ctx.close()
			return nil, err
		}
		if err := thread.Resume(); err != nil {
			ctx.close()
			return nil, err
		}
	}

	st.mu.Lock()
	st.ctxs[tid] = ctx
	st.mu.Unlock()
	return ctx, nil
}

// Unfollow requests that tid's ExecCtx stop translating new code
// (spec.md §4.1 "unfollow", §4.8 state machine). The ExecCtx is not
// destroyed synchronously: GarbageCollect reclaims it once pending_calls
// reaches zero and (for a foreign thread) a short grace period has
// elapsed.
func (st *Stalker) Unfollow(tid int) error {
	st.mu.Lock()
	ctx, ok := st.ctxs[tid]
	st.mu.Unlock()
	if !ok {
		return ErrUnknownThread
	}
	ctx.requestUnfollow()
	return nil
}

// AddCallProbe installs fn to run, with a captured CPUContext, every
// time a virtualized call targets addr, across every currently and
// subsequently followed thread (spec.md §4.1 add_call_probe). Existing
// translations of addr are invalidated so the next execution compiles a
// version with the probe's GateProbeInvoke call site wired in.
func (st *Stalker) AddCallProbe(target uintptr, fn CallProbe, data interface{}, destroy func(interface{})) ProbeID {
	id := ProbeID(st.nextProbeID.Add(1))

	st.probeMu.Lock()
	e := &probeEntry{id: id, target: target, fn: fn, data: data, destroy: destroy}
	st.probes[id] = e
	st.probesByTarget[target] = append(st.probesByTarget[target], id)
	st.probeMu.Unlock()

	st.Invalidate(target)
	return id
}

// RemoveCallProbe uninstalls a previously added probe. Existing
// translations of its target are invalidated so future executions no
// longer pay for the GateProbeInvoke call site.
func (st *Stalker) RemoveCallProbe(id ProbeID) error {
	st.probeMu.Lock()
	e, ok := st.probes[id]
	if !ok {
		st.probeMu.Unlock()
		return ErrProbeNotFound
	}
	delete(st.probes, id)
	ids := st.probesByTarget[e.target]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(st.probesByTarget, e.target)
	} else {
		st.probesByTarget[e.target] = ids
	}
	st.probeMu.Unlock()

	if e.destroy != nil {
		e.destroy(e.data)
	}
	st.Invalidate(e.target)
	return nil
}

// Invalidate drops the translation of addr on every followed thread, so
// each recompiles it on next execution (spec.md §4.1 invalidate, applied
// process-wide).
func (st *Stalker) Invalidate(addr uintptr) {
	st.mu.Lock()
	ctxs := make([]*ExecCtx, 0, len(st.ctxs))
	for _, ctx := range st.ctxs {
		ctxs = append(ctxs, ctx)
	}
	st.mu.Unlock()
	for _, ctx := range ctxs {
		ctx.invalidate(addr)
	}
}

// InvalidateForThread drops the translation of addr on a single followed
// thread only.
func (st *Stalker) InvalidateForThread(tid int, addr uintptr) error {
	st.mu.Lock()
	ctx, ok := st.ctxs[tid]
	st.mu.Unlock()
	if !ok {
		return ErrUnknownThread
	}
	ctx.invalidate(addr)
	return nil
}

// Flush blocks until every followed ExecCtx has no engine frame pending,
// then asks each one's EventSink to flush whatever it has buffered
// (spec.md §4.1, "flush"): the synchronization point alone isn't enough,
// since a sink may batch events internally and only a Flush call forces
// them out.
func (st *Stalker) Flush() {
	st.mu.Lock()
	ctxs := make([]*ExecCtx, 0, len(st.ctxs))
	for _, ctx := range st.ctxs {
		ctxs = append(ctxs, ctx)
	}
	st.mu.Unlock()
	for _, ctx := range ctxs {
		for ctx.pendingCalls.Load() != 0 {
			// busy-wait: translated code runs on other goroutines/threads
			// and is expected to drain quickly.
		}
		if ctx.sink != nil {
			ctx.sink.Flush()
		}
	}
}

// Stop unfollows every currently followed thread.
func (st *Stalker) Stop() {
	st.mu.Lock()
	tids := make([]int, 0, len(st.ctxs))
	for tid := range st.ctxs {
		tids = append(tids, tid)
	}
	st.mu.Unlock()
	for _, tid := range tids {
		st.Unfollow(tid)
	}
}

// GarbageCollect reclaims any ExecCtx whose destroy grace period has
// elapsed (spec.md §4.8). selfCollect should be true when called from
// the thread being collected (e.g. at the tail of its own unfollow),
// which skips the grace period entirely since there is no concurrent
// execution left to race against.
func (st *Stalker) GarbageCollect(selfCollect bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for tid, ctx := range st.ctxs {
		if ctx.readyToDestroy(selfCollect) {
			ctx.close()
			delete(st.ctxs, tid)
		}
	}
}

// Prefetch forces compilation of addr on ctx through the normal
// obtain_block_for path, then sets the resulting block's RecycleCount,
// matching gum_stalker_prefetch's use to warm a block's trust state
// ahead of the first real miss (SPEC_FULL.md §4.10).
func (st *Stalker) Prefetch(ctx *ExecCtx, addr uintptr, recycleCount int) error {
	if _, err := ctx.obtainBlockFor(addr); err != nil {
		return err
	}
	ctx.codeLock.Lock()
	defer ctx.codeLock.Unlock()
	if b, ok := ctx.blocks[addr]; ok {
		b.RecycleCount = recycleCount
	}
	return nil
}

// PrefetchBackpatch replays a Backpatch against an already-compiled
// block without requiring a live miss, mirroring
// gum_exec_ctx_recompile_and_switch_block's patch-application path.
// Only BackpatchJmp and BackpatchRet are supported here: unlike Call and
// InlineCache, their replay needs nothing beyond what a Backpatch record
// itself carries (From/To/Offset). Call additionally needs the
// real/translated return addresses and InlineCache needs the table's
// slab and address, none of which survive in the record passed to an
// Observer. Call backpatches are applied by ExecCtx's
// applyPendingBackpatches once their target resolves; nothing in this
// package applies InlineCache backpatches.
func (st *Stalker) PrefetchBackpatch(ctx *ExecCtx, patch Backpatch) error {
	targetCodeStart, err := ctx.obtainBlockFor(patch.To)
	if err != nil {
		return err
	}
	ctx.codeLock.Lock()
	defer ctx.codeLock.Unlock()
	fromBlock, ok := ctx.blocks[patch.From]
	if !ok {
		return ErrNotFollowed
	}
	switch patch.Kind {
	case BackpatchJmp:
		return ctx.backpatcher.ApplyJmp(fromBlock, patch, targetCodeStart, 0)
	case BackpatchRet:
		return ctx.backpatcher.ApplyRet(fromBlock, patch, targetCodeStart)
	default:
		return fmt.Errorf("stalker: PrefetchBackpatch does not support %v replay", patch.Kind)
	}
}

// invokeProbes runs every probe registered against realAddr. Called from
// gateProbe with pending_calls already incremented. The CPUContext
// passed to each probe carries only XIP: this port's Full prolog spills
// callee-saved registers to the stack for its own use rather than into a
// Go-addressable CPUContext, so GP/Flags are left zero rather than
// decoded from the frame (documented simplification).
func (st *Stalker) invokeProbes(realAddr uintptr, ctx *ExecCtx) {
	st.probeMu.Lock()
	ids := append([]ProbeID(nil), st.probesByTarget[realAddr]...)
	st.probeMu.Unlock()
	if len(ids) == 0 {
		return
	}
	cc := &CPUContext{XIP: realAddr}
	for _, id := range ids {
		st.probeMu.Lock()
		e, ok := st.probes[id]
		st.probeMu.Unlock()
		if !ok {
			continue
		}
		e.fn(cc, e.data)
	}
}

// invokeCallouts runs the transformer-installed callout registered for
// realAddr against ctx, if any (spec.md §4.6 Iterator.PutCallout).
func (st *Stalker) invokeCallouts(realAddr uintptr, ctx *ExecCtx) {
	e, ok := ctx.calloutFor(realAddr)
	if !ok {
		return
	}
	cc := &CPUContext{XIP: realAddr}
	e.fn(cc, e.data)
}
