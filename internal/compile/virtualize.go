package compile

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"

	ix86 "github.com/0xDC00/stalker/internal/x86"
)

// Virtualizer turns one decoded control-transfer instruction into a
// relocatable stub that hands control to the engine before it eventually
// reaches the real destination (spec.md §4.6, "Branch virtualizer").
// Every Emit* method returns the stub's bytes and the Backpatch records
// describing the patchable sites within them, both relative to offset 0
// of the returned slice; the caller (the block compiler) is responsible
// for translating those offsets into the final block once the stub is
// appended to the running code buffer.
type Virtualizer struct {
	mode     Mode
	token    uintptr
	helpers  HelperAddrs
	modeAddr uintptr
}

// NewVirtualizer builds a Virtualizer for one ExecCtx's token and current
// helper generation. The compiler constructs a fresh Virtualizer (cheap,
// no allocation beyond this struct) whenever it resolves a helper
// generation for the code slab it is currently compiling into. modeAddr
// is the owning ExecCtx's RunMode cell address (zero disables the
// opaque-branch single-step stub).
func NewVirtualizer(mode Mode, token uintptr, helpers HelperAddrs, modeAddr uintptr) *Virtualizer {
	return &Virtualizer{mode: mode, token: token, helpers: helpers, modeAddr: modeAddr}
}

// emitGateCallRaw appends the fixed call sequence every gate site
// shares: load the token and gate id, let loadArg place the runtime
// value the gate needs in DX, then call the trampoline. The resolved
// address comes back in AX, left for the caller to either jump through
// (branch-resolution gates) or discard (probe/callout gates, which fall
// through to straight-line continuation instead).
func (v *Virtualizer) emitGateCallRaw(b *ix86.Builder, gate GateID, loadArg func(b *ix86.Builder)) {
	b.MovRegImm(x86.REG_DI, int64(v.token))
	b.MovRegImm(x86.REG_SI, int64(gate))
	loadArg(b)
	b.MovRegImm(x86.REG_R11, int64(trampolineAddrHook()))
	b.CallReg(x86.REG_R11)
}

// emitGateCall is emitGateCallRaw followed by a jump through the
// resolved address (SPEC_FULL.md §4.9, entry-gate ABI bridge) — the form
// used by every gate that resolves a branch destination.
func (v *Virtualizer) emitGateCall(b *ix86.Builder, gate GateID, loadArg func(b *ix86.Builder)) {
	v.emitGateCallRaw(b, gate, loadArg)
	// dispatchGate's result comes back through the normal Go ABI into AX
	// by convention of engineGateTrampoline's asm stub.
	b.JmpReg(x86.REG_AX)
}

// trampolineAddrHook is a var so tests can substitute a deterministic
// fake address instead of resolving the real assembly trampoline
// (reflect.ValueOf(fn).Pointer() is stable per-process but not
// reproducible across test runs, which matters for golden-byte tests).
var trampolineAddrHook = TrampolineAddr

func (v *Virtualizer) callPrologEpilog(b *ix86.Builder, full bool) (prolog, epilog uintptr) {
	if full {
		return v.helpers.PrologFull, v.helpers.EpilogFull
	}
	return v.helpers.PrologMinimal, v.helpers.EpilogMinimal
}

// EmitCallImm virtualizes a direct call (spec.md §4.6). Calls into an
// excluded range are never followed: they keep running natively and the
// call site is relocated unchanged except for the address fixup.
func (v *Virtualizer) EmitCallImm(orig ix86.Instruction, excluded bool) ([]byte, []Backpatch, error) {
	if excluded {
		raw, err := ix86.Relocate(orig, 0 /* caller fixes up after append */)
		if err != nil {
			return nil, nil, fmt.Errorf("compile: virtualize excluded call: %w", err)
		}
		return raw, nil, nil
	}

	b, err := ix86.NewBuilder(24)
	if err != nil {
		return nil, nil, err
	}
	prolog, epilog := v.callPrologEpilog(b, false)
	b.MovRegImm(x86.REG_R11, int64(prolog))
	b.CallReg(x86.REG_R11)

	v.emitGateCall(b, GateCallImm, func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_DX, int64(orig.BranchTarget))
	})

	b.MovRegImm(x86.REG_R11, int64(epilog))
	b.CallReg(x86.REG_R11)
	b.Ret()

	code := b.Assemble()
	bp := []Backpatch{{
		Kind:             BackpatchCall,
		From:             orig.Addr,
		To:               orig.BranchTarget,
		PrologType:       PrologMinimal,
		LandingOffset:    0,
		ContinuationReal: orig.Addr + uintptr(orig.Len),
	}}
	return code, bp, nil
}

// EmitJmpImm virtualizes a direct jump the same way as a call, minus the
// prolog/epilog pair: a jmp never returns to the translated stream, so
// there is no stack frame to protect across it (spec.md §4.6).
func (v *Virtualizer) EmitJmpImm(orig ix86.Instruction, excluded bool) ([]byte, []Backpatch, error) {
	if excluded {
		raw, err := ix86.Relocate(orig, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("compile: virtualize excluded jmp: %w", err)
		}
		return raw, nil, nil
	}
	b, err := ix86.NewBuilder(12)
	if err != nil {
		return nil, nil, err
	}
	v.emitGateCall(b, GateJmpMem, func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_DX, int64(orig.BranchTarget))
	})
	code := b.Assemble()
	bp := []Backpatch{{Kind: BackpatchJmp, From: orig.Addr, To: orig.BranchTarget}}
	return code, bp, nil
}

// movImmPrefixLen is the REX.W+opcode byte count preceding the 8-byte
// immediate in the "MOV r64, imm64" ("movabs") encoding golang-asm emits
// for MovRegImm. EmitIndirect relies on this to locate the IC-table
// address immediate for the compiler's second-pass fixup (see
// icTableImmOffset below and Compiler.Compile's pendingRelocs-style
// patch loop).
const movImmPrefixLen = 2

// EmitIndirect virtualizes an indirect call or jmp via inline-cache
// dispatch (spec.md §4.6): load the runtime target into a scratch
// register (from the original register operand, or from a memory operand
// through its base register and displacement only), walk the site's
// fixed-size IC table
// comparing against RealStart, jump to the matching CodeStart, and fall
// through to a gate call on a full miss. isCall selects whether a
// prolog/epilog pair wraps the dispatch (a call must still return).
//
// icTable is baked in as an absolute immediate before the block's final
// code-slab address is known (the compiler passes a placeholder on this
// first pass and patches the real address in afterward), so EmitIndirect
// also returns icTableImmOffset: the byte offset within the returned
// code of that immediate's first byte, or -1 if this block has no IC
// table to patch. The offset is derived by assembling the dispatch
// loop's fixed prefix (prolog call plus operand load) in an isolated
// measurement builder first — those instructions never depend on the
// table address, so their assembled length is exact — rather than
// assuming any particular instruction encoding width ahead of time.
func (v *Virtualizer) EmitIndirect(orig ix86.Instruction, isCall bool, icTable uintptr, icEntries int) ([]byte, []Backpatch, int, error) {
	buildPrefix := func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_R11, int64(v.helpers.PrologIC))
		b.CallReg(x86.REG_R11)

		// Load the runtime branch target from the original instruction's
		// register or memory operand. A memory operand is read as
		// [base + displacement] only: its index register, scale and
		// segment override are not applied.
		if mem, ok := orig.IndirectMem(); ok {
			base := regToObj(mem.Base)
			b.MovRegMem(x86.REG_AX, base, mem.Disp)
		} else if reg, ok := orig.IndirectReg(); ok {
			b.MovRegReg(x86.REG_AX, regToObj(reg))
		}
	}

	measure, err := ix86.NewBuilder(8)
	if err != nil {
		return nil, nil, -1, err
	}
	buildPrefix(measure)
	prefixLen := len(measure.Assemble())

	b, err := ix86.NewBuilder(16 + icEntries*3)
	if err != nil {
		return nil, nil, -1, err
	}
	buildPrefix(b)

	b.MovRegImm(x86.REG_R11, int64(icTable))
	icTableImmOffset := prefixLen + movImmPrefixLen

	for i := 0; i < icEntries; i++ {
		off := int64(i * 16)
		b.CmpRegMem(x86.REG_AX, x86.REG_R11, off)
		b.Jcc(x86.AJEQ) // patched by the compiler to land on this slot's CodeStart load
	}

	// Full miss: fall through to the slow path gate, which resolves (and
	// if necessary compiles) the target block. The gate does not insert
	// an entry into the table; only Backpatcher.ApplyInlineCache does.
	gate := GateCallReg
	if !isCall {
		gate = GateJmpReg
	}
	v.emitGateCall(b, gate, func(b *ix86.Builder) {
		// AX already holds the runtime target from the load above.
	})

	if isCall {
		b.MovRegImm(x86.REG_R11, int64(v.helpers.EpilogIC))
		b.CallReg(x86.REG_R11)
		b.Ret()
	}

	code := b.Assemble()
	return code, nil, icTableImmOffset, nil
}

// trapFlag is EFLAGS bit 8, the x86 single-step trap flag.
const trapFlag = 0x100

// EmitOpaque virtualizes a control transfer the branch virtualizer
// cannot safely rewrite in place (spec.md §4.6, "Opaque branches"): it
// stores ModeSingleSteppingOnCall into the owning ExecCtx's RunMode
// cell, sets the trap flag, and jumps to the original instruction's own
// address so the CPU executes it unmodified and traps immediately
// afterward. Everything past that trap — the platform's single-step
// exception handler recognizing the mode, compiling the post-instruction
// address, and resuming — lives outside this engine (SPEC_FULL.md §9).
// If no ModeAddr was supplied, the instruction is relocated verbatim
// instead: there is nowhere to signal single-stepping, so the safest
// fallback is to let it execute exactly as written, the same treatment
// KindSyscall already gets.
func (v *Virtualizer) EmitOpaque(orig ix86.Instruction) ([]byte, []Backpatch, error) {
	if v.modeAddr == 0 {
		return append([]byte(nil), orig.Raw...), nil, nil
	}

	b, err := ix86.NewBuilder(12)
	if err != nil {
		return nil, nil, err
	}
	b.MovRegImm(x86.REG_R11, int64(v.modeAddr))
	b.MovRegImm(x86.REG_AX, int64(ModeSingleSteppingOnCall))
	b.MovMemReg(x86.REG_R11, 0, x86.REG_AX)

	b.PushF()
	b.PopReg(x86.REG_AX)
	b.OrRegImm(x86.REG_AX, trapFlag)
	b.PushReg(x86.REG_AX)
	b.PopF()

	b.MovRegImm(x86.REG_R11, int64(orig.Addr))
	b.JmpReg(x86.REG_R11)

	return b.Assemble(), nil, nil
}

// EmitJcc virtualizes a conditional jump (including the JCXZ/JECXZ/JRCXZ
// family) by re-encoding it as a near form targeting an in-stub "taken"
// continuation, with an unconditional jump to the "not taken"
// continuation immediately after (spec.md §4.6, KindJccShort).
func (v *Virtualizer) EmitJcc(orig ix86.Instruction) ([]byte, []Backpatch, error) {
	b, err := ix86.NewBuilder(8)
	if err != nil {
		return nil, nil, err
	}
	as, ok := ix86.JccOpcode(orig.Inst.Op)
	if !ok {
		// JCXZ/JECXZ/JRCXZ: no near-form opcode exists. Emit the
		// original short form jumping 2 bytes ahead over an
		// unconditional near jump to the "not taken" stub, and fall
		// through into the "taken" stub — the standard trampoline used
		// to simulate a near-reaching jcxz (spec.md §4.6).
		b.Nop() // placeholder for the short jcxz itself, patched in by the compiler
		b.JmpRel32Placeholder()
	} else {
		b.Jcc(as)
		b.JmpRel32Placeholder()
	}
	code := b.Assemble()
	bp := []Backpatch{
		{Kind: BackpatchJmp, From: orig.Addr, To: orig.BranchTarget},
		{Kind: BackpatchJmp, From: orig.Addr, To: orig.Addr + uintptr(orig.Len)},
	}
	return code, bp, nil
}

// EmitRet virtualizes a return (spec.md §4.5): the stub loads the real
// return address from the top of the application stack and always calls
// the ret_slow_path gate with it. The shadow-stack match, the slab scan
// and the compile fallback all happen inside that gate (gateRet), not in
// the emitted code.
func (v *Virtualizer) EmitRet(orig ix86.Instruction) ([]byte, []Backpatch, error) {
	b, err := ix86.NewBuilder(12)
	if err != nil {
		return nil, nil, err
	}
	b.MovRegMem(x86.REG_AX, x86.REG_SP, 0) // real return address, top of app stack
	v.emitGateCall(b, GateRetSlowPath, func(b *ix86.Builder) {
		b.MovRegReg(x86.REG_DX, x86.REG_AX)
	})
	code := b.Assemble()
	return code, nil, nil
}

// EmitSysenter virtualizes the legacy fast-syscall entry (spec.md §4.6,
// "Syscall/Sysenter"): the instruction itself is left intact (it is not
// a branch the engine can redirect), but the return address it implies
// needs a code_start resolvable afterward, so the compiler treats it
// like a call with an always-excluded target.
func (v *Virtualizer) EmitSysenter(orig ix86.Instruction) ([]byte, []Backpatch, error) {
	b, err := ix86.NewBuilder(8)
	if err != nil {
		return nil, nil, err
	}
	b.MovRegImm(x86.REG_R11, int64(v.helpers.PrologMinimal))
	b.CallReg(x86.REG_R11)
	v.emitGateCall(b, GateSysenterSlowPath, func(b *ix86.Builder) {
		b.MovRegImm(x86.REG_DX, int64(orig.Addr+uintptr(orig.Len)))
	})
	return b.Assemble(), nil, nil
}

// regToObj maps a decoded x86asm.Reg to the matching golang-asm REG_*
// constant. Only the general-purpose 64-bit registers the IC dispatch
// loop and indirect operands can reference are covered; anything else
// is a KindOpaque instruction the compiler never hands to this method.
func regToObj(r x86asm.Reg) int16 {
	switch r {
	case x86asm.RAX:
		return x86.REG_AX
	case x86asm.RCX:
		return x86.REG_CX
	case x86asm.RDX:
		return x86.REG_DX
	case x86asm.RBX:
		return x86.REG_BX
	case x86asm.RSP:
		return x86.REG_SP
	case x86asm.RBP:
		return x86.REG_BP
	case x86asm.RSI:
		return x86.REG_SI
	case x86asm.RDI:
		return x86.REG_DI
	case x86asm.R8:
		return x86.REG_R8
	case x86asm.R9:
		return x86.REG_R9
	case x86asm.R10:
		return x86.REG_R10
	case x86asm.R11:
		return x86.REG_R11
	case x86asm.R12:
		return x86.REG_R12
	case x86asm.R13:
		return x86.REG_R13
	case x86asm.R14:
		return x86.REG_R14
	case x86asm.R15:
		return x86.REG_R15
	default:
		return x86.REG_AX
	}
}
