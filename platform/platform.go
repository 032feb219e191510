// Package platform isolates the OS-provided capabilities the engine treats
// as external collaborators: executable-memory protection changes
// (thaw/freeze), and suspend/read/write of a foreign thread's register
// state. None of this is specific to the tracing engine itself; it is the
// same category of primitive gVisor's ptrace platform and wagon's
// appengine-gated native backend depend on.
package platform

import "errors"

// ErrUnsupported is returned by platform operations that have no
// implementation on the running GOOS/GOARCH.
var ErrUnsupported = errors.New("platform: operation unsupported on this platform")

// Protection mirrors the subset of mmap/mprotect protection bits the slab
// allocator needs.
type Protection int

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Regs is the subset of a thread's general-purpose register file the
// engine needs to read or rewrite when infecting, invalidating, or
// single-stepping a foreign thread. Field names follow the teacher
// pack's arch.Registers convention (gVisor's pkg/sentry/arch) rather
// than raw Linux user_regs_struct names.
type Regs struct {
	IP uintptr
	SP uintptr

	// GP holds the remaining general-purpose registers, keyed by a
	// platform-neutral name ("rax", "rdi", ...). Engines that only need
	// IP/SP (the common case: redirecting control flow) never touch this.
	GP map[string]uintptr
}

// Thread is a suspended, traceable OS thread.
type Thread interface {
	// GetRegs reads the thread's current register file. The thread must
	// be stopped.
	GetRegs() (Regs, error)
	// SetRegs writes the thread's register file. The thread must be
	// stopped.
	SetRegs(Regs) error
	// Resume continues the thread.
	Resume() error
	// ReadMemory reads n bytes of the thread's address space starting at
	// addr (used by the block compiler to decode a foreign thread's
	// original instructions when following a thread other than the
	// calling one).
	ReadMemory(addr uintptr, n int) ([]byte, error)
	// WriteMemory writes data into the thread's address space at addr
	// (used only by the infect-thunk installation path).
	WriteMemory(addr uintptr, data []byte) error
}

// SuspendThread suspends the OS thread identified by tid and returns a
// handle usable to inspect/modify/resume it. Follow/unfollow of a foreign
// thread, cross-thread invalidation, and cross-thread probe installation
// are the only call sites that ever invoke this (see spec.md §5).
func SuspendThread(tid int) (Thread, error) {
	return suspendThread(tid)
}

// CurrentThreadID returns the OS-level identifier for the calling thread
// (the one-thread-per-ExecCtx assumption in spec.md §3 keys off this).
func CurrentThreadID() int {
	return currentThreadID()
}

// Mprotect changes the protection of the page-aligned region
// [addr, addr+length) backing a code or data slab. It is the thaw/freeze
// primitive internal/slab's Slab.Thaw/Slab.Freeze build on.
func Mprotect(addr uintptr, length int, prot Protection) error {
	return mprotectSlab(addr, length, prot)
}
