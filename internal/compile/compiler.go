package compile

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/0xDC00/stalker/internal/slab"
	ix86 "github.com/0xDC00/stalker/internal/x86"
)

// MemReader reads n bytes of application memory starting at addr. The
// stalker package supplies an implementation backed either by the
// tracing process's own address space (self-tracing) or a ptrace-backed
// remote read (spec.md §1 treats the distinction as out of scope for the
// engine core).
type MemReader func(addr uintptr, n int) ([]byte, error)

// decodeWindow is how many bytes are read ahead of the cursor for each
// decode attempt; generously larger than the longest possible x86
// instruction (15 bytes).
const decodeWindow = 16

// MinBlockCapacity is the smallest remaining code-slab budget the
// compiler will start a new "keep" into (spec.md §4.2, "Space policy").
// Chosen comfortably larger than the widest virtualized stub this
// package emits (the indirect-branch IC dispatch loop).
const MinBlockCapacity = 256

// Compiler implements the block compiler (spec.md §4.2) plus the
// backing pieces (reuse/invalidation policy from §4.4, and the event
// hooks described across §4.2/§4.6) that the stalker package's ExecCtx
// drives obtain_block_for through.
type Compiler struct {
	Mode          Mode
	CodePool      *slab.Pool
	Helpers       *HelperSet
	Mem           MemReader
	Excluded      func(addr uintptr) bool
	HasProbe      func(addr uintptr) bool
	Sink          EventSink
	Counters      *Counters
	ICEntries     int
	TrustThreshold int
	Token         uintptr
	// ModeAddr is the absolute address of this ExecCtx's RunMode cell,
	// forwarded to the Virtualizer so the opaque-branch stub can write
	// into it directly (spec.md §4.6). Zero if the owning ExecCtx never
	// supplied one, in which case opaque instructions relocate verbatim
	// instead (no single-step support without somewhere to signal it).
	ModeAddr uintptr

	// RegisterCallout, if set, is invoked once per PutCallout call during
	// compilation so the owning ExecCtx can record which (fn, data,
	// destroy) triple a given address's GateCallout invocation should
	// dispatch to.
	RegisterCallout func(addr uintptr, fn CalloutFunc, data interface{}, destroy func(interface{}))
}

// CompileResult is everything obtain_block_for needs to finish wiring a
// freshly compiled block into the ExecCtx's real_start -> block mapping.
type CompileResult struct {
	Block        *slab.ExecBlock
	Backpatches  []Backpatch
	Continuation uintptr // nonzero if the block ends in a continuation rather than a real terminator
	ICTable      uintptr // nonzero if this block contains an indirect-branch IC table
}

// Compile implements spec.md §4.2 steps 2-7 for a single address. Callers
// (ExecCtx.obtain_block_for) are responsible for step 1 (the block-map
// lookup and reuse/invalidation decision of §4.4); Compile is only ever
// invoked once that lookup has determined a fresh translation is needed.
func (c *Compiler) Compile(realStart uintptr, transformer Transformer) (CompileResult, error) {
	if transformer == nil {
		transformer = PassthroughTransformer{}
	}

	slabHead := c.CodePool.Head()
	var slabBase uintptr
	if slabHead != nil {
		slabBase = slabHead.Base()
	}
	helpers, err := c.Helpers.For(slabBase)
	if err != nil {
		return CompileResult{}, fmt.Errorf("compile: resolve helpers: %w", err)
	}
	virt := NewVirtualizer(c.Mode, c.Token, helpers, c.ModeAddr)

	it := &blockIterator{
		c:            c,
		virt:         virt,
		cursor:       realStart,
		realSize:     0,
		icTableFixup: -1,
	}

	// Preserve a leading ENDBR64 CET landing pad verbatim ahead of
	// everything else this block emits (SPEC_FULL.md §4.10): a handful
	// of bytes read directly rather than decoded/relocated, since an
	// indirect-branch target must keep this exact instruction at its
	// translated entry point too.
	if endbr, err := c.Mem(realStart, 4); err == nil && ix86.HasEndbr64(endbr) {
		it.buf = append(it.buf, endbr...)
		it.cursor = realStart + 4
		it.realSize = 4
	}

	if c.HasProbe != nil && c.HasProbe(realStart) {
		it.emitProbeInvoke(helpers)
	}

	transformer.Transform(it)

	if it.err != nil {
		return CompileResult{}, it.err
	}
	if !it.terminated {
		// Space or decode exhausted before a real terminator: emit a
		// continuation transfer (spec.md §4.2 step 5).
		if err := it.emitContinuation(); err != nil {
			return CompileResult{}, err
		}
	}
	it.buf = append(it.buf, int3Byte)

	codeSize := len(it.buf)
	snapshotSize := 0
	if c.TrustThreshold != 0 {
		snapshotSize = it.realSize
	}
	icSize := 0
	if it.icTableLen > 0 {
		icSize = it.icTableLen
	}
	capacity := codeSize + snapshotSize + icSize

	sl, codeStart, mem, err := c.CodePool.Reserve(capacity)
	if err != nil {
		return CompileResult{}, fmt.Errorf("compile: reserve block: %w", err)
	}
	if err := sl.Thaw(); err != nil {
		return CompileResult{}, err
	}
	copy(mem, it.buf)

	// Second pass: patch every RIP-relative operand relocated verbatim
	// during Keep() now that the final address is known.
	for _, pr := range it.pendingRelocs {
		newAddr := codeStart + uintptr(pr.bufOffset)
		patched, err := ix86.Relocate(pr.inst, newAddr)
		if err != nil {
			sl.Freeze()
			return CompileResult{}, err
		}
		copy(mem[pr.bufOffset:pr.bufOffset+len(patched)], patched)
	}

	var icTableAddr uintptr
	if icSize > 0 {
		icTableAddr = codeStart + uintptr(codeSize+snapshotSize)
	}
	if it.icTableFixup >= 0 {
		var addrBuf [8]byte
		putUintptr(addrBuf[:], icTableAddr)
		copy(mem[it.icTableFixup:it.icTableFixup+8], addrBuf[:])
	}

	block := slab.NewExecBlock(c.Token, sl)
	block.RealStart = realStart
	block.RealSize = it.realSize
	block.CodeStart = codeStart
	block.CodeSize = codeSize
	block.Capacity = capacity

	if snapshotSize > 0 {
		orig, err := c.Mem(realStart, snapshotSize)
		if err != nil {
			sl.Freeze()
			return CompileResult{}, fmt.Errorf("compile: read snapshot bytes: %w", err)
		}
		block.CommitSnapshot(orig)
	}

	if err := sl.Freeze(); err != nil {
		return CompileResult{}, err
	}

	if c.Sink != nil && c.Sink.QueryMask()&EventCompile != 0 {
		c.Sink.Process(Event{Kind: EventCompile, Compile: &CompileEvent{Start: realStart, End: realStart + uintptr(it.realSize)}}, nil)
	}
	if c.Counters != nil {
		c.Counters.Incr(CounterBlocksCompiled)
	}

	return CompileResult{Block: block, Backpatches: it.backpatches, Continuation: it.continuation, ICTable: icTableAddr}, nil
}

const int3Byte = 0xCC

// pendingReloc records a verbatim-copied instruction whose RIP-relative
// operand still needs patching once the block's final address is known
// (see the Compile two-pass note above).
type pendingReloc struct {
	bufOffset int
	inst      Instruction
}

// blockIterator is the concrete Iterator the compiler drives a
// Transformer through.
type blockIterator struct {
	c    *Compiler
	virt *Virtualizer

	cursor   uintptr
	realSize int

	buf           []byte
	pendingRelocs []pendingReloc
	backpatches   []Backpatch
	icTableLen    int
	icTableFixup  int // buffer offset of the baked IC-table address immediate, -1 if none

	cur        Instruction
	haveCur    bool
	terminated bool
	continuation uintptr
	err        error
}

func (it *blockIterator) emitProbeInvoke(h HelperAddrs) {
	// A full-context prolog followed by a call into the probe-invoker
	// gate, executed unconditionally before any application instruction
	// (spec.md §4.2 step 3).
	b, err := ix86.NewBuilder(8)
	if err != nil {
		it.err = err
		return
	}
	b.MovRegImm(x86.REG_R11, int64(h.PrologFull))
	b.CallReg(x86.REG_R11)
	it.virt.emitGateCallRaw(b, GateProbeInvoke, func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_DX, int64(it.cursor))
	})
	b.MovRegImm(x86.REG_R11, int64(h.EpilogFull))
	b.CallReg(x86.REG_R11)
	it.buf = append(it.buf, b.Assemble()...)
}

// remaining is the space-policy budget check (spec.md §4.2, "Space
// policy"): MinBlockCapacity plus whatever snapshot/IC-table space this
// block will ultimately need.
func (it *blockIterator) remaining() int {
	snapshot := 0
	if it.c.TrustThreshold != 0 {
		snapshot = it.realSize
	}
	headroom := it.c.CodePool.Head()
	if headroom == nil {
		return MinBlockCapacity + snapshot + it.icTableLen + 1
	}
	return headroom.Available() - len(it.buf) - snapshot - it.icTableLen
}

func (it *blockIterator) Next() (Instruction, bool) {
	if it.terminated || it.err != nil {
		return Instruction{}, false
	}
	if it.remaining() < MinBlockCapacity {
		return Instruction{}, false
	}
	code, err := it.c.Mem(it.cursor, decodeWindow)
	if err != nil {
		it.err = fmt.Errorf("compile: read at %#x: %w", it.cursor, err)
		return Instruction{}, false
	}
	inst, err := ix86.Decode(code, it.cursor, it.c.Mode)
	if err != nil {
		it.err = err
		return Instruction{}, false
	}
	it.cur = inst
	it.haveCur = true
	return inst, true
}

func (it *blockIterator) Keep() {
	if !it.haveCur {
		return
	}
	inst := it.cur
	it.haveCur = false
	it.realSize += inst.Len
	it.cursor = inst.Addr + uintptr(inst.Len)

	switch inst.Kind {
	case KindOther:
		off := len(it.buf)
		it.buf = append(it.buf, inst.Raw...)
		if inst.Inst.PCRelOff != 0 {
			it.pendingRelocs = append(it.pendingRelocs, pendingReloc{bufOffset: off, inst: inst})
		}
		return
	case KindCallImm:
		if it.c.Excluded != nil && it.c.Excluded(inst.BranchTarget) {
			it.emitExcludedCall(inst)
		} else {
			it.emitStub(it.virt.EmitCallImm(inst, false))
		}
	case KindJmpImm:
		it.emitStub(it.virt.EmitJmpImm(inst, it.c.Excluded != nil && it.c.Excluded(inst.BranchTarget)))
	case KindCallIndirect:
		it.icTableLen = ICTableSize(it.c.ICEntries)
		it.emitIndirectStub(inst, true)
	case KindJmpIndirect:
		it.icTableLen = ICTableSize(it.c.ICEntries)
		it.emitIndirectStub(inst, false)
	case KindJccShort:
		it.emitStub(it.virt.EmitJcc(inst))
	case KindRet:
		it.emitStub(it.virt.EmitRet(inst))
	case KindSysenter:
		it.emitStub(it.virt.EmitSysenter(inst))
	case KindSyscall:
		// Does not redirect control flow in a way the virtualizer must
		// intercept on this platform; relocate verbatim and keep going
		// as an ordinary instruction.
		off := len(it.buf)
		it.buf = append(it.buf, inst.Raw...)
		if inst.Inst.PCRelOff != 0 {
			it.pendingRelocs = append(it.pendingRelocs, pendingReloc{bufOffset: off, inst: inst})
		}
		return
	case KindOpaque:
		// Signals SingleStep (spec.md §4.6): the stub itself is this
		// block's last instruction. Whatever happens next — a platform
		// single-step exception handler regaining control and compiling
		// the post-instruction address — is outside this package's
		// scope, so no continuation is emitted here.
		it.emitStub(it.virt.EmitOpaque(inst))
	}
	if inst.Kind != KindOther {
		it.terminated = true
	}
}

// icPlaceholderAddr is baked into the IC-table address immediate on this
// first compiler pass, before the block's final code-slab address (and
// thus the table's real address) is known. Its upper bits are
// deliberately nonzero: a value this large cannot fit in a 32-bit
// immediate under any encoding, so whatever instruction form golang-asm
// chooses for it, the table address occupies a fixed, later-patchable
// slot rather than silently shrinking to a narrower encoding the way a
// zero or small placeholder could.
const icPlaceholderAddr = uintptr(1) << 40

func (it *blockIterator) emitStub(code []byte, bp []Backpatch, err error) {
	if err != nil {
		it.err = err
		return
	}
	base := len(it.buf)
	for i := range bp {
		bp[i].Offset = base
	}
	it.backpatches = append(it.backpatches, bp...)
	it.buf = append(it.buf, code...)
}

// emitIndirectStub drives Virtualizer.EmitIndirect and additionally
// records the IC-table address immediate's final buffer offset, so
// Compile's second pass can patch in the real table address once it is
// known (paralleling how pendingRelocs patches RIP-relative operands).
func (it *blockIterator) emitIndirectStub(inst Instruction, isCall bool) {
	code, bp, immOffset, err := it.virt.EmitIndirect(inst, isCall, icPlaceholderAddr, it.c.ICEntries)
	if err != nil {
		it.err = err
		return
	}
	base := len(it.buf)
	for i := range bp {
		bp[i].Offset = base
	}
	it.backpatches = append(it.backpatches, bp...)
	if immOffset >= 0 {
		it.icTableFixup = base + immOffset
	}
	it.buf = append(it.buf, code...)
}

// emitExcludedCall handles a direct call whose target lies in an
// excluded range (spec.md §4.6, "Direct call"): the callee runs natively
// and uninstrumented, so the call site is relocated verbatim rather than
// virtualized, bracketed by a pending-call guard (so Flush can see a
// native call is in flight) and followed by an explicit continuation
// stub, since the relocated call's own return address — computed by the
// CPU at the call site's new location — must land on translated code
// for the instruction right after it, not on whatever happens to follow
// in the code slab.
func (it *blockIterator) emitExcludedCall(inst Instruction) {
	enter, err := ix86.NewBuilder(8)
	if err != nil {
		it.err = err
		return
	}
	it.virt.emitGateCallRaw(enter, GatePendingCallEnter, func(b *ix86.Builder) {})
	it.buf = append(it.buf, enter.Assemble()...)

	raw, _, err := it.virt.EmitCallImm(inst, true)
	if err != nil {
		it.err = err
		return
	}
	off := len(it.buf)
	it.buf = append(it.buf, raw...)
	if inst.Inst.PCRelOff != 0 {
		it.pendingRelocs = append(it.pendingRelocs, pendingReloc{bufOffset: off, inst: inst})
	}

	exit, err := ix86.NewBuilder(8)
	if err != nil {
		it.err = err
		return
	}
	it.virt.emitGateCallRaw(exit, GatePendingCallExit, func(b *ix86.Builder) {})
	it.buf = append(it.buf, exit.Assemble()...)

	if it.c.Counters != nil {
		it.c.Counters.Incr(CounterExcludedCallImm)
	}

	if err := it.emitContinuation(); err != nil {
		it.err = err
	}
}

func (it *blockIterator) emitContinuation() error {
	fake := Instruction{Addr: it.cursor, Len: 0, BranchTarget: it.cursor}
	code, bp, err := it.virt.EmitJmpImm(fake, false)
	if err != nil {
		return err
	}
	it.continuation = it.cursor
	it.emitStub(code, bp, nil)
	return nil
}

func (it *blockIterator) PutCallout(fn CalloutFunc, data interface{}, destroy func(interface{})) {
	// Emits a full-context prolog/epilog pair around a GateCallout call,
	// identical in shape to the probe-invoker call site; RegisterCallout
	// (set by the owning ExecCtx) records which (fn, data, destroy)
	// triple this address's GateCallout dispatch should invoke.
	b, err := ix86.NewBuilder(8)
	if err != nil {
		it.err = err
		return
	}
	b.MovRegImm(x86.REG_R11, int64(it.virt.helpers.PrologFull))
	b.CallReg(x86.REG_R11)
	it.virt.emitGateCallRaw(b, GateCallout, func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_DX, int64(it.cursor))
	})
	b.MovRegImm(x86.REG_R11, int64(it.virt.helpers.EpilogFull))
	b.CallReg(x86.REG_R11)
	it.buf = append(it.buf, b.Assemble()...)

	if it.c.RegisterCallout != nil {
		it.c.RegisterCallout(it.cursor, fn, data, destroy)
	}
}
