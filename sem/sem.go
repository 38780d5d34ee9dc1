// Package sem implements the binary semaphore table (spec §4.A): a
// fixed-capacity pool of named binary semaphores with sleep/wake, built on
// the two-lock discipline described in the source's bsem.c: one table-life
// lock guarding slot identity (allocation/free), and one per-slot sync lock
// guarding the ACQUIRED/RELEASED value and its sleepers.
//
// Identifiers are modeled with internal/handle's identity-plus-generation
// pattern (spec Design Note "Identity plus generation") rather than raw
// pointers: a (slot index, id) pair that a staleness check can reject
// without ever touching freed state.
package sem

import (
	"sync"

	"github.com/boaz23/os-xv6/internal/handle"
	"github.com/boaz23/os-xv6/internal/klog"
)

// value is the semaphore's two-state payload.
type value int

const (
	valueAcquired value = iota
	valueReleased
)

// initialID mirrors BSEM_INITIAL_ID: identifiers are never valid below 1, so
// 0 can serve as an "unset" sentinel.
const initialID = 1

type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	used  bool // life state, guarded by Table.lifeMu
	id    handle.Handle
	value value
}

// Table is a fixed-capacity table of binary semaphores.
type Table struct {
	lifeMu sync.Mutex
	nextID uint64
	slots  []*slot
}

// New constructs a table with the given fixed capacity (MAX_BSEM).
func New(capacity int) *Table {
	if capacity <= 0 {
		panic(`sem: capacity must be positive`)
	}
	t := &Table{nextID: initialID, slots: make([]*slot, capacity)}
	for i := range t.slots {
		s := &slot{id: handle.Invalid}
		s.cond = sync.NewCond(&s.mu)
		t.slots[i] = s
	}
	return t
}

func isValidID(id int) bool {
	return id >= initialID
}

// Alloc walks the table under the table-life lock, picks the first unused
// slot, assigns the next identifier, sets it RELEASED, and returns the
// identifier. Returns -1 if every slot is in use.
func (t *Table) Alloc() int {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	for i, s := range t.slots {
		if !s.used {
			id := t.nextID
			t.nextID++
			s.mu.Lock()
			s.used = true
			s.id = handle.Handle{Index: i, Gen: id}
			s.value = valueReleased
			s.mu.Unlock()
			klog.Logger.Debug().Int(`bsem_id`, int(id)).Log(`bsem allocated`)
			return int(id)
		}
	}
	return -1
}

// findForOp locates the slot for id under the table-life lock, per the
// source's get_bsem_for_op_by_id. It always returns a release func when it
// returns a non-nil slot; callers must call it exactly once. This enforces
// the REDESIGN FLAGS rule ("find_* acquires, the caller releases - always")
// structurally: there is no way to obtain a slot without also obtaining the
// matching release.
func (t *Table) findForOp(id int) (*slot, func()) {
	if !isValidID(id) {
		return nil, func() {}
	}
	t.lifeMu.Lock()
	for _, s := range t.slots {
		if s.used && s.id.Gen == uint64(id) {
			return s, t.lifeMu.Unlock
		}
	}
	t.lifeMu.Unlock()
	return nil, func() {}
}

// Free locates the slot by id under the life lock and zeroes it to unused.
// An invalid or unknown id is a silent no-op.
func (t *Table) Free(id int) {
	s, release := t.findForOp(id)
	defer release()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.used = false
	s.id = handle.Invalid
	s.value = 0
	s.mu.Unlock()
}

// Down acquires the slot's own sync lock; while the value is ACQUIRED and
// the slot is still the same incarnation, it sleeps on the slot's condition
// variable. On wake it rechecks the incarnation: if the slot has been freed
// and reallocated in the meantime, it returns without acquiring. An invalid
// or unknown id is a silent no-op.
func (t *Table) Down(id int) {
	s, release := t.findForOp(id)
	release()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.hasChanged(id) {
			return
		}
		if s.value == valueReleased {
			break
		}
		s.cond.Wait()
	}
	s.value = valueAcquired
}

// Up sets the slot RELEASED (if it is still the same incarnation) and wakes
// every waiter. An invalid or unknown id is a silent no-op.
func (t *Table) Up(id int) {
	s, release := t.findForOp(id)
	release()
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.hasChanged(id) {
		s.value = valueReleased
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// hasChanged reports whether s is no longer the incarnation identified by
// id: either freed (unused) or reallocated to a different identifier. The
// caller must hold s.mu.
func (s *slot) hasChanged(id int) bool {
	return !s.used || s.id.Gen != uint64(id)
}
