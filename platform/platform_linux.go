//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// linuxThread is a ptrace-attached thread, grounded on the
// suspend/attach/wait shape of gVisor's ptrace platform
// (pkg/sentry/platform/ptrace): attach, wait for group-stop, then
// PTRACE_GETREGS/PTRACE_SETREGS/PTRACE_CONT around each mutation.
type linuxThread struct {
	tid int
}

func suspendThread(tid int) (Thread, error) {
	if err := unix.PtraceAttach(tid); err != nil {
		return nil, fmt.Errorf("platform: ptrace attach %d: %w", tid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("platform: wait4 %d: %w", tid, err)
	}
	return &linuxThread{tid: tid}, nil
}

func (t *linuxThread) GetRegs() (Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.tid, &regs); err != nil {
		return Regs{}, fmt.Errorf("platform: getregs %d: %w", t.tid, err)
	}
	return fromPtraceRegs(&regs), nil
}

func (t *linuxThread) SetRegs(r Regs) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.tid, &regs); err != nil {
		return fmt.Errorf("platform: getregs %d: %w", t.tid, err)
	}
	toPtraceRegs(r, &regs)
	if err := unix.PtraceSetRegs(t.tid, &regs); err != nil {
		return fmt.Errorf("platform: setregs %d: %w", t.tid, err)
	}
	return nil
}

func (t *linuxThread) Resume() error {
	if err := unix.PtraceDetach(t.tid); err != nil {
		return fmt.Errorf("platform: detach %d: %w", t.tid, err)
	}
	return nil
}

func (t *linuxThread) ReadMemory(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := unix.PtracePeekData(t.tid, addr, buf)
	if err != nil {
		return nil, fmt.Errorf("platform: peekdata %d at %#x: %w", t.tid, addr, err)
	}
	return buf[:got], nil
}

func (t *linuxThread) WriteMemory(addr uintptr, data []byte) error {
	if _, err := unix.PtracePokeData(t.tid, addr, data); err != nil {
		return fmt.Errorf("platform: pokedata %d at %#x: %w", t.tid, addr, err)
	}
	return nil
}

func currentThreadID() int {
	return unix.Gettid()
}

// mprotectSlab thaws/freezes a mmap'd code slab region in place. See
// internal/slab's Slab.Thaw/Slab.Freeze, reached through Mprotect.
func mprotectSlab(addr uintptr, length int, prot Protection) error {
	var p int
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	b := unsafeSlice(addr, length)
	return unix.Mprotect(b, p)
}
