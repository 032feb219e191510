package compile

// PrologType enumerates the prolog/epilog flavors from spec.md §4.3.
type PrologType int

const (
	PrologNone PrologType = iota
	PrologMinimal
	PrologFull
	PrologIC
)

// BackpatchKind is the tagged-variant discriminant for Backpatch
// (spec.md §3, "Backpatch descriptor"). Go has no sum types; a Kind tag
// plus a flat struct of every variant's fields is the idiomatic
// stand-in used throughout the teacher's own instruction-metadata types
// (e.g. compile.Target in the teacher's branch-table rewriting), and
// keeps emission allocation-free (see DESIGN.md open-question
// resolution).
type BackpatchKind int

const (
	BackpatchCall BackpatchKind = iota
	BackpatchRet
	BackpatchJmp
	BackpatchInlineCache
)

// Backpatch is opaque to external callers but emittable to an Observer
// as a replay record (spec.md §3).
type Backpatch struct {
	Kind BackpatchKind
	From uintptr
	To   uintptr

	// Offset is the offset within the From block's translated code at
	// which the patch is applied.
	Offset int

	// Call-only fields.
	PrologType    PrologType
	LandingOffset int

	// ContinuationReal is, for BackpatchCall, the real address execution
	// resumes at once the virtualized call's target returns (the
	// instruction immediately following the original call). Applying a
	// Call backpatch needs a translated code_start for this address too
	// (obtain_block_for'd just like any other target), since the block
	// containing the call itself ends at the call and never resumes it.
	ContinuationReal uintptr
}
