// Package hart models the per-hardware-thread CPU record (spec §3 "CPU"):
// the currently dispatched thread, a saved scheduler context, and the
// interrupt-disable nesting machinery (push_off/pop_off) that every spinlock
// acquisition relies on. It is its own package, imported by sched and
// kernel, and depends only on internal/handle, never on proc or sched.
package hart

import (
	"sync"

	"github.com/boaz23/os-xv6/internal/handle"
)

// Hart is one hardware thread's kernel-side bookkeeping. Current holds only
// a handle to the running thread/process, never a live pointer, so this
// package never needs to import proc.
type Hart struct {
	mu sync.Mutex

	// current is the handle of the thread presently dispatched on this
	// hart, or handle.Invalid if the hart is idle in its scheduler loop.
	current handle.Handle

	// noff is the push_off/pop_off nesting depth; intenaRaw is the
	// interrupt-enable flag sampled at the first push_off and reported by
	// the matching pop_off. intena is the separate per-thread flag stashed
	// across a context switch (IntEna/SetIntEna).
	noff      int
	intena    bool
	intenaRaw bool
}

// New constructs an idle hart.
func New() *Hart {
	return &Hart{current: handle.Invalid}
}

// Current returns the handle of the thread presently dispatched here.
func (h *Hart) Current() handle.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SetCurrent records which thread this hart is now running.
func (h *Hart) SetCurrent(who handle.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = who
}

// PushOff increments the interrupt-disable nesting count, recording the
// pre-disable interrupt-enable state on the first (outermost) call. Callers
// are expected to have already disabled interrupts at the simulated
// hardware level before calling PushOff; this only tracks nesting depth, the
// same division of responsibility as the source's push_off/intr_off pair.
func (h *Hart) PushOff(interruptsWereEnabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noff == 0 {
		h.intenaRaw = interruptsWereEnabled
	}
	h.noff++
}

// PopOff decrements the nesting count and reports whether interrupts should
// be re-enabled now that the count has reached zero. PopOff panics if called
// with no matching PushOff, or more times than PushOff, mirroring the
// source's "pop_off: not holding any locks" panic.
func (h *Hart) PopOff() (reenable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.noff < 1 {
		panic(`hart: pop_off called without a matching push_off`)
	}
	h.noff--
	if h.noff < 0 {
		panic(`hart: interrupt nesting depth went negative`)
	}
	return h.noff == 0 && h.intenaRaw
}

// NestingDepth returns the current push_off/pop_off nesting depth. The sched
// package does not consult it.
func (h *Hart) NestingDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noff
}

// IntEna returns and SetIntEna sets the per-thread interrupt-enable flag
// stashed on the CPU record across a context switch, because it must be
// sampled before context restoration (spec §3).
func (h *Hart) IntEna() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intena
}

// SetIntEna sets the stashed interrupt-enable flag.
func (h *Hart) SetIntEna(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.intena = v
}
