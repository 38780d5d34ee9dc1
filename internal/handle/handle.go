// Package handle implements the identity-plus-generation pattern used by
// the kernel's fixed-capacity tables (process table, thread vectors,
// binary semaphores): a slot index paired with a
// counter bumped on every allocation of that slot, so that a reference taken
// before a free/reallocate cycle can be detected as stale without ever
// dereferencing freed memory.
//
// The source this kernel is based on achieves the same thing with raw
// pointers and ad-hoc "state == UNUSED || id != expected" checks scattered
// across bsem.c and proc.c. Go has no raw pointers into a reused array slot
// that would alias safely, so Handle is the idiomatic substitute.
package handle

// Handle identifies one allocation of a slot in a fixed-capacity table.
type Handle struct {
	Index int
	Gen   uint64
}

// Invalid is the handle of a slot that was never assigned (Index -1). The
// zero Handle has Index 0 and reports Valid.
var Invalid = Handle{Index: -1}

// Valid reports whether h was ever assigned a slot.
func (h Handle) Valid() bool {
	return h.Index >= 0
}

// Generation tracks the allocation counter for a single table slot. It is
// embedded in the slot itself; Bump is called every time the slot transitions
// from free to in-use.
type Generation struct {
	index int
	gen   uint64
}

// NewGeneration creates a generation tracker for the slot at index.
func NewGeneration(index int) Generation {
	return Generation{index: index}
}

// Bump records a new allocation of the slot and returns the resulting handle.
func (g *Generation) Bump() Handle {
	g.gen++
	return Handle{Index: g.index, Gen: g.gen}
}

// Current returns the handle for the slot's present incarnation, regardless
// of whether that incarnation is actually in use.
func (g *Generation) Current() Handle {
	return Handle{Index: g.index, Gen: g.gen}
}

// Matches reports whether h refers to the slot's current incarnation. A
// mismatch means h was obtained before the slot was freed and reallocated -
// the "staleness check" required by every post-wake action in the spec.
func (g *Generation) Matches(h Handle) bool {
	return h.Index == g.index && h.Gen == g.gen
}
