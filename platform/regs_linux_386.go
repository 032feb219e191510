//go:build linux && 386

package platform

import "golang.org/x/sys/unix"

func fromPtraceRegs(r *unix.PtraceRegs) Regs {
	return Regs{
		IP: uintptr(r.Eip),
		SP: uintptr(r.Esp),
		GP: map[string]uintptr{
			"eax": uintptr(r.Eax),
			"ebx": uintptr(r.Ebx),
			"ecx": uintptr(r.Ecx),
			"edx": uintptr(r.Edx),
			"esi": uintptr(r.Esi),
			"edi": uintptr(r.Edi),
			"ebp": uintptr(r.Ebp),
		},
	}
}

func toPtraceRegs(regs Regs, r *unix.PtraceRegs) {
	r.Eip = uint32(regs.IP)
	r.Esp = uint32(regs.SP)
	set := func(name string, dst *uint32) {
		if v, ok := regs.GP[name]; ok {
			*dst = uint32(v)
		}
	}
	set("eax", &r.Eax)
	set("ebx", &r.Ebx)
	set("ecx", &r.Ecx)
	set("edx", &r.Edx)
	set("esi", &r.Esi)
	set("edi", &r.Edi)
	set("ebp", &r.Ebp)
}
