package stalker

import "fmt"

// Sentinel errors returned by the façade and ExecCtx operations
// (SPEC_FULL.md §7).
var (
	ErrAlreadyFollowed     = fmt.Errorf("stalker: thread is already followed")
	ErrNotFollowed         = fmt.Errorf("stalker: thread is not followed")
	ErrUnknownThread       = fmt.Errorf("stalker: unknown thread id")
	ErrICEntriesOutOfRange = fmt.Errorf("stalker: ic_entries must be in [2, 32]")
	ErrProbeNotFound       = fmt.Errorf("stalker: no probe with that id")
	ErrNotActive           = fmt.Errorf("stalker: ExecCtx is not Active")
)

// UnsupportedInstructionError is returned when the decoder yields an
// instruction the compiler has no virtualization policy for (spec.md
// §4.6 "Opaque branches" that this platform cannot single-step, or a
// decode failure the disassembler itself reports as unsupported).
type UnsupportedInstructionError struct {
	Addr   uintptr
	Opcode string
}

func (e *UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("stalker: unsupported instruction %q at %#x", e.Opcode, e.Addr)
}

// SlabExhaustedError is returned when a single block or helper emission
// requests more bytes than any slab the pool is configured to allocate
// could ever hold.
type SlabExhaustedError struct {
	Requested, Available int
}

func (e *SlabExhaustedError) Error() string {
	return fmt.Sprintf("stalker: slab exhausted: requested %d, available %d", e.Requested, e.Available)
}

// FatalError wraps a condition the engine treats as unrecoverable for
// the owning ExecCtx (spec.md treats these as process-fatal in the
// original; SPEC_FULL.md §7 keeps the panic-based signal but funnels it
// through a typed value so a recover() at the top of the followed
// thread's infect thunk can log before re-panicking).
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("stalker: fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

func fatalf(format string, args ...interface{}) {
	panic(&FatalError{Cause: fmt.Errorf(format, args...)})
}
