package stalker

import "github.com/0xDC00/stalker/internal/compile"

// Public re-exports of the external-collaborator interfaces from
// spec.md §6. Callers of this package never need to import
// internal/compile directly; the aliases keep that package's types and
// this one's identical without a wrapper-struct indirection.
type (
	Transformer     = compile.Transformer
	Iterator        = compile.Iterator
	CalloutFunc     = compile.CalloutFunc
	EventSink       = compile.EventSink
	Observer        = compile.Observer
	Event           = compile.Event
	EventMask       = compile.EventMask
	CPUContext      = compile.CPUContext
	CallEvent       = compile.CallEvent
	RetEvent        = compile.RetEvent
	ExecEvent       = compile.ExecEvent
	BlockEvent      = compile.BlockEvent
	CompileEvent    = compile.CompileEvent
	Backpatch       = compile.Backpatch
	BackpatchKind   = compile.BackpatchKind
	CounterKind     = compile.CounterKind
	Counters        = compile.Counters
	Mode            = compile.Mode
	RunMode         = compile.RunMode
)

const (
	EventCall    = compile.EventCall
	EventRet     = compile.EventRet
	EventExec    = compile.EventExec
	EventBlock   = compile.EventBlock
	EventCompile = compile.EventCompile

	BackpatchCall        = compile.BackpatchCall
	BackpatchRet         = compile.BackpatchRet
	BackpatchJmp         = compile.BackpatchJmp
	BackpatchInlineCache = compile.BackpatchInlineCache

	Mode32 = compile.Mode32
	Mode64 = compile.Mode64

	ModeNormal                    = compile.ModeNormal
	ModeSingleSteppingOnCall      = compile.ModeSingleSteppingOnCall
	ModeSingleSteppingThroughCall = compile.ModeSingleSteppingThroughCall
)

// PassthroughTransformer keeps every instruction unchanged; it is what
// Follow installs when called with a nil transformer.
type PassthroughTransformer = compile.PassthroughTransformer

// NullSink drops every event; it is what Follow installs when called
// with a nil sink.
type NullSink = compile.NullSink
