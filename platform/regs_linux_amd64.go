//go:build linux && amd64

package platform

import "golang.org/x/sys/unix"

func fromPtraceRegs(r *unix.PtraceRegs) Regs {
	return Regs{
		IP: uintptr(r.Rip),
		SP: uintptr(r.Rsp),
		GP: map[string]uintptr{
			"rax": uintptr(r.Rax),
			"rbx": uintptr(r.Rbx),
			"rcx": uintptr(r.Rcx),
			"rdx": uintptr(r.Rdx),
			"rsi": uintptr(r.Rsi),
			"rdi": uintptr(r.Rdi),
			"rbp": uintptr(r.Rbp),
			"r8":  uintptr(r.R8),
			"r9":  uintptr(r.R9),
			"r10": uintptr(r.R10),
			"r11": uintptr(r.R11),
			"r12": uintptr(r.R12),
			"r13": uintptr(r.R13),
			"r14": uintptr(r.R14),
			"r15": uintptr(r.R15),
		},
	}
}

func toPtraceRegs(regs Regs, r *unix.PtraceRegs) {
	r.Rip = uint64(regs.IP)
	r.Rsp = uint64(regs.SP)
	set := func(name string, dst *uint64) {
		if v, ok := regs.GP[name]; ok {
			*dst = uint64(v)
		}
	}
	set("rax", &r.Rax)
	set("rbx", &r.Rbx)
	set("rcx", &r.Rcx)
	set("rdx", &r.Rdx)
	set("rsi", &r.Rsi)
	set("rdi", &r.Rdi)
	set("rbp", &r.Rbp)
	set("r8", &r.R8)
	set("r9", &r.R9)
	set("r10", &r.R10)
	set("r11", &r.R11)
	set("r12", &r.R12)
	set("r13", &r.R13)
	set("r14", &r.R14)
	set("r15", &r.R15)
}
