package compile

// ICEmpty is the sentinel RealStart value marking an unused inline-cache
// slot (spec.md §3: "entries are initialized to a sentinel pattern
// ('empty' magic) so the dispatch loop can terminate on first empty
// slot"). Address 0 is never a valid application code address, which is
// exactly the property spec.md calls for.
const ICEmpty uintptr = 0

// ICEntry is one (real_start, code_start) slot of a per-site inline
// cache (spec.md §3).
type ICEntry struct {
	RealStart uintptr
	CodeStart uintptr
}

// ICTableSize returns the byte size of an ic_entries-capacity table plus
// its single scratch slot (spec.md §4.6: "a near-jump over an
// ic_entries-sized zeroed table and a single scratch slot").
func ICTableSize(icEntries int) int {
	const entrySize = 16 // two uintptr/int64 fields
	const scratchSlotSize = 8
	return icEntries*entrySize + scratchSlotSize
}

// FindICSlot returns the index of the slot whose RealStart matches
// target, or -1. It is used both by the (conceptual) hardware dispatch
// loop the virtualizer emits and by the Go-level PrefetchBackpatch path
// that mutates an IC table directly.
func FindICSlot(table []ICEntry, target uintptr) int {
	for i := range table {
		if table[i].RealStart == target {
			return i
		}
	}
	return -1
}

// FirstEmptyICSlot returns the index of the first unused slot, or -1 if
// the table is full (spec.md §4.6: "Inline caches have no replacement
// policy: once all ic_entries slots are filled, further misses
// permanently use the slow path.").
func FirstEmptyICSlot(table []ICEntry) int {
	for i := range table {
		if table[i].RealStart == ICEmpty {
			return i
		}
	}
	return -1
}
