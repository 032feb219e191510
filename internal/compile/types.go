package compile

import "github.com/0xDC00/stalker/internal/x86"

// Instruction is the decoded-instruction type the iterator yields; it is
// exactly internal/x86's Instruction, aliased here so callers of this
// package (and of the public stalker package, which re-exports
// Transformer/Iterator) never need to import internal/x86 themselves.
type Instruction = x86.Instruction

// Kind re-exports internal/x86's instruction classification.
type Kind = x86.Kind

const (
	KindOther        = x86.KindOther
	KindCallImm      = x86.KindCallImm
	KindCallIndirect = x86.KindCallIndirect
	KindJmpImm       = x86.KindJmpImm
	KindJmpIndirect  = x86.KindJmpIndirect
	KindJccShort     = x86.KindJccShort
	KindRet          = x86.KindRet
	KindSysenter     = x86.KindSysenter
	KindSyscall      = x86.KindSyscall
	KindOpaque       = x86.KindOpaque
)

// Mode re-exports internal/x86's decode width selector.
type Mode = x86.Mode

const (
	Mode32 = x86.Mode32
	Mode64 = x86.Mode64
)
