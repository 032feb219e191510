package compile

// CalloutFunc is a user-supplied function invoked from translated code
// after the engine spills a full CPUContext (spec.md §6,
// "put_callout(fn, data, destroy)").
type CalloutFunc func(ctx *CPUContext, data interface{})

// Iterator is the pull-style cursor a Transformer drives (spec.md §6).
// Next yields original, in-order instructions until the block
// terminates or space is exhausted; Keep preserves the last yielded
// instruction's effect, relocating it if it is a plain instruction or
// handing it to the branch virtualizer if it is a control transfer.
// There is no real suspension point here — Next/Keep are synchronous
// method calls on a plain object, not a coroutine (spec.md §9).
type Iterator interface {
	Next() (Instruction, bool)
	Keep()
	PutCallout(fn CalloutFunc, data interface{}, destroy func(interface{}))
}

// Transformer rewrites (or merely observes) a basic block before it is
// committed to its code slab (spec.md §6).
type Transformer interface {
	Transform(it Iterator)
}

// PassthroughTransformer keeps every instruction unchanged. It is
// installed by Follow when called with a nil transformer
// (SPEC_FULL.md §4.10).
type PassthroughTransformer struct{}

func (PassthroughTransformer) Transform(it Iterator) {
	for {
		if _, ok := it.Next(); !ok {
			return
		}
		it.Keep()
	}
}
