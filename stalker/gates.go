package stalker

// gateCall resolves a virtualized call's destination, emitting a Call
// event first (spec.md §4.6, direct/indirect call slow paths). It does
// not push a shadow-stack frame.
func (ctx *ExecCtx) gateCall(target uintptr) uintptr {
	if ctx.sink != nil && ctx.sink.QueryMask()&EventCall != 0 {
		ctx.sink.Process(Event{Kind: EventCall, Call: &CallEvent{Target: target, Depth: ctx.shadowStack.Depth()}}, nil)
	}
	codeStart, err := ctx.obtainBlockFor(target)
	if err != nil {
		fatalf("stalker: gate call resolve %#x: %v", target, err)
	}
	return codeStart
}

// gateJmp resolves a virtualized jump's destination (direct, indirect,
// or the post-sysenter continuation).
func (ctx *ExecCtx) gateJmp(target uintptr) uintptr {
	codeStart, err := ctx.obtainBlockFor(target)
	if err != nil {
		fatalf("stalker: gate jmp resolve %#x: %v", target, err)
	}
	return codeStart
}

// gateRet implements stack_pop_and_go (spec.md §4.5): fast-path match
// against the shadow stack, a slab-chain scan on mismatch, and a full
// obtain_block_for as the final fallback.
func (ctx *ExecCtx) gateRet(realReturn uintptr) uintptr {
	if ctx.sink != nil && ctx.sink.QueryMask()&EventRet != 0 {
		ctx.sink.Process(Event{Kind: EventRet, Ret: &RetEvent{Location: realReturn, Depth: ctx.shadowStack.Depth()}}, nil)
	}
	if frame, ok := ctx.shadowStack.Top(); ok && frame.Real == realReturn {
		ctx.shadowStack.Pop()
		return frame.Code
	}
	ctx.shadowStack.Reset()
	if ctx.codePool.Contains(realReturn) {
		return realReturn
	}
	codeStart, err := ctx.obtainBlockFor(realReturn)
	if err != nil {
		fatalf("stalker: gate ret resolve %#x: %v", realReturn, err)
	}
	return codeStart
}

// gateInvalidate recompiles the block whose real_start is realAddr and
// returns its (possibly new) code_start (spec.md §4.4, "Invalidation").
// The trampoline passes real_start directly rather than the signed
// header-distance encoding spec.md describes for a raw-pointer engine,
// since ExecBlock here is an ordinary Go heap value reachable through
// ctx.blocks, not a structure translated code must address arithmetic
// its way to.
func (ctx *ExecCtx) gateInvalidate(realAddr uintptr) uintptr {
	ctx.codeLock.Lock()
	b, ok := ctx.blocks[realAddr]
	ctx.codeLock.Unlock()
	if !ok {
		codeStart, err := ctx.obtainBlockFor(realAddr)
		if err != nil {
			fatalf("stalker: gate invalidate compile %#x: %v", realAddr, err)
		}
		return codeStart
	}
	ctx.codeLock.Lock()
	codeStart, err := ctx.recompile(b)
	ctx.codeLock.Unlock()
	if err != nil {
		fatalf("stalker: gate invalidate recompile %#x: %v", realAddr, err)
	}
	ctx.applyPendingBackpatches(realAddr)
	return codeStart
}

// gatePendingCallEnter marks the start of an excluded direct call's
// native execution window (spec.md §4.6, "emit a pending call guard"):
// pending_calls stays incremented for as long as the callee runs
// uninstrumented, not just for the brief trampoline hop that sets it, so
// Flush correctly blocks until the call returns.
func (ctx *ExecCtx) gatePendingCallEnter(uintptr) uintptr {
	ctx.pendingCalls.Add(1)
	return 0
}

// gatePendingCallExit closes the window gatePendingCallEnter opened.
func (ctx *ExecCtx) gatePendingCallExit(uintptr) uintptr {
	ctx.pendingCalls.Add(-1)
	return 0
}

// gateProbe invokes every call probe registered for the block's
// real_start (spec.md §4.1, add_call_probe). Its return value is
// unused by the caller (probe/callout gate sites fall straight through
// rather than jumping through the result).
func (ctx *ExecCtx) gateProbe(realAddr uintptr) uintptr {
	ctx.st.invokeProbes(realAddr, ctx)
	return 0
}

// gateCallout invokes the block's registered transformer callout(s) for
// the current position, if any were installed via Iterator.PutCallout.
func (ctx *ExecCtx) gateCallout(realAddr uintptr) uintptr {
	ctx.st.invokeCallouts(realAddr, ctx)
	return 0
}
