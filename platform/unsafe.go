package platform

import "unsafe"

// ReadSelf copies n bytes starting at addr out of the calling process's
// own address space. Used by the block compiler's MemReader when the
// followed thread is the one doing the compiling (the common,
// self-tracing case spec.md §4.1's "if thread_id is the current thread"
// branch describes), as opposed to the ptrace-backed Thread.ReadMemory
// path used for a followed foreign thread. Platform-independent: taking
// the address of live memory and viewing it as a slice needs no
// OS-specific primitive.
func ReadSelf(addr uintptr, n int) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)...)
}
