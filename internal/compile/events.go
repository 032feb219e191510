// Package compile implements the block compiler, branch virtualizer,
// helper emitter, and backpatcher (spec.md §4.2–§4.4, §4.7): the engine
// components that turn one basic block of original x86 bytes into a
// translated copy living in a code slab.
package compile

import "sync/atomic"

// EventMask is a bitset of event kinds an EventSink subscribes to
// (spec.md §6).
type EventMask uint32

const (
	EventCall EventMask = 1 << iota
	EventRet
	EventExec
	EventBlock
	EventCompile
)

// CPUContext is the register snapshot handed to event callbacks, probes,
// and callouts after a Full (or IC) prolog. XIP is patched by the
// specific emitter of the event to reflect the original instruction's
// address (spec.md §4.3).
type CPUContext struct {
	XIP   uintptr
	XSP   uintptr
	Flags uintptr
	GP    map[string]uintptr
}

// CallEvent is delivered when a virtualized call executes.
// SPEC_FULL.md §4.10 adds Depth, mirroring the original's
// GumCallEvent/GumRetEvent shape (gumstalker-x86.c).
type CallEvent struct {
	Location uintptr
	Target   uintptr
	Depth    int
}

// RetEvent is delivered when a virtualized return executes.
type RetEvent struct {
	Location uintptr
	Target   uintptr
	Depth    int
}

// ExecEvent is delivered once per kept instruction when per-instruction
// events are enabled.
type ExecEvent struct {
	Location uintptr
}

// BlockEvent is delivered once per block entry.
type BlockEvent struct {
	Start, End uintptr
}

// CompileEvent is delivered once, the first time a block is compiled
// (spec.md §4.2 step 7: "emit a Compile event if subscribed").
type CompileEvent struct {
	Start, End uintptr
}

// Event bundles exactly one populated payload. It carries no CPUContext:
// that is passed to EventSink.Process as a separate argument (nil when
// the emitting site has none).
type Event struct {
	Kind    EventMask
	Call    *CallEvent
	Ret     *RetEvent
	Exec    *ExecEvent
	Block   *BlockEvent
	Compile *CompileEvent
}

// EventSink is the polymorphic collaborator events are delivered to
// (spec.md §6).
type EventSink interface {
	QueryMask() EventMask
	Start()
	Stop()
	Flush()
	Process(ev Event, ctx *CPUContext)
}

// NullSink is the default sink installed when Follow is called with
// sink == nil (SPEC_FULL.md §4.10): it subscribes to nothing and drops
// every event, so the compiler never emits event hooks for it.
type NullSink struct{}

func (NullSink) QueryMask() EventMask           { return 0 }
func (NullSink) Start()                         {}
func (NullSink) Stop()                          {}
func (NullSink) Flush()                         {}
func (NullSink) Process(Event, *CPUContext)     {}

// Observer receives backpatch replay records and entry-gate counters
// (spec.md §6).
type Observer interface {
	BackpatchNotify(Backpatch)
}

// CounterKind enumerates the named entry-gate counters from spec.md §6.
type CounterKind int

const (
	CounterCallImm CounterKind = iota
	CounterCallMem
	CounterCallReg
	CounterPostCallInvoke
	CounterExcludedCallImm
	CounterRetSlowPath
	CounterJmpImm
	CounterJmpMem
	CounterJmpReg
	CounterJmpCondTrue
	CounterJmpCondFalse
	CounterJmpContinuation
	CounterSysenterSlowPath
	CounterBlocksCompiled
	CounterTotal
	numCounters
)

// Counters backs the Observer counters with atomic fields so entry
// gates can increment them without synchronization (SPEC_FULL.md
// §4.10).
type Counters struct {
	values [numCounters]atomic.Int64
}

// Incr bumps kind and the always-present CounterTotal.
func (c *Counters) Incr(kind CounterKind) {
	c.values[kind].Add(1)
	if kind != CounterTotal {
		c.values[CounterTotal].Add(1)
	}
}

// Snapshot returns the current value of every counter, keyed by kind.
func (c *Counters) Snapshot() map[CounterKind]int64 {
	out := make(map[CounterKind]int64, numCounters)
	for k := CounterKind(0); k < numCounters; k++ {
		out[k] = c.values[k].Load()
	}
	return out
}
