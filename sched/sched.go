// Package sched implements the pluggable scheduler core (spec §4.E): one
// of four policies, selected once at construction time, driving a per-hart
// dispatch loop plus the performance-counter tick routine. Since actually
// executing user instructions is out of scope (spec §1), this package
// models the scheduler as a synchronous decision/bookkeeping layer: Dispatch
// picks the next entity and marks it RUNNING, the caller simulates running
// it for some number of ticks, and EndQuantum reports the result back so
// the policy can update its own state (SRT's estimate, FCFS's queue).
package sched

import (
	"fmt"

	"github.com/boaz23/os-xv6/hart"
	"github.com/boaz23/os-xv6/internal/fixedpoint"
	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/proc"
)

// Config bundles the construction-time choices for a Scheduler.
type Config struct {
	Policy            Policy
	Quantum           int
	FCFSQueueCapacity int
	SRTAlpha          fixedpoint.Q
}

// Scheduler drives dispatch decisions for a process table under one fixed
// policy (spec DESIGN NOTES "Policy selection... chosen once at
// construction time").
type Scheduler struct {
	policy Policy
	table  *proc.Table
	disp   dispatcher
	cfg    Config
}

// New constructs a Scheduler. It panics if Quantum is not positive or if
// Policy is not one of the four known policies. Policy's zero value is
// RoundRobin, so an unset Policy selects round-robin; the "none selected"
// boot panic lives in kernel.New.
func New(tbl *proc.Table, cfg Config) *Scheduler {
	if cfg.Quantum <= 0 {
		panic(`sched: Config.Quantum must be positive`)
	}
	return &Scheduler{
		policy: cfg.Policy,
		table:  tbl,
		disp:   newDispatcher(cfg.Policy, cfg),
		cfg:    cfg,
	}
}

// Policy returns the scheduler's configured policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Enqueue registers e as ready to run. Under every policy but FCFS this is
// a no-op, since those scan the table directly; under FCFS it appends to
// the ready queue (spec §4.E "Enqueues happen from userinit, fork, wakeup,
// and kill").
func (s *Scheduler) Enqueue(e Entity) {
	s.disp.enqueue(e)
}

// EnqueueThread is a convenience wrapper for the common case of enqueueing
// a single process/thread pair.
func (s *Scheduler) EnqueueThread(p *proc.Process, th *proc.Thread) {
	s.Enqueue(Entity{Proc: p, Thread: th})
}

// Quantum reports the tick budget a dispatch gets before the timer trap
// should force a yield. 0 means unbounded (FCFS).
func (s *Scheduler) Quantum() int {
	return s.policy.quantum(s.cfg.Quantum)
}

// Dispatch runs one iteration of a hart's scheduler loop (spec §4.E "Each
// hart runs an infinite loop: ... choose one runnable entity, context-switch
// to it"): it asks the active policy for the next entity, flips the thread
// to RUNNING while holding the process's and the thread's locks (the
// process state is left unchanged), and records the
// hart's current thread. It returns a zero Entity if nothing is runnable.
func (s *Scheduler) Dispatch(h *hart.Hart) Entity {
	e := s.disp.pickNext(s.table)
	if e.Proc == nil {
		return Entity{}
	}

	e.Proc.Lock()
	e.Thread.Lock()
	e.Thread.SetRunning()
	e.Thread.Unlock()
	e.Proc.Unlock()

	h.SetCurrent(e.Thread.Handle())
	klog.Logger.Debug().Int(`pid`, e.Proc.Pid()).Int(`tid`, e.Thread.Tid()).Str(`policy`, s.policy.String()).Log(`dispatch`)
	return e
}

// EndQuantum is called when a dispatched entity yields, sleeps, exits, or
// exhausts its quantum. ticksRun is how many ticks it actually ran for and
// is always passed to the policy's onQuantumEnd. stillRunnable (true:
// yielded voluntarily without sleeping/exiting; false: now sleeping,
// zombie, or recycled) only decides whether FCFS re-enqueues the entity at
// the tail of its ready queue.
func (s *Scheduler) EndQuantum(e Entity, ticksRun uint64, stillRunnable bool) {
	s.disp.onQuantumEnd(e, ticksRun)
	if stillRunnable && s.policy == FCFS {
		// spec §4.E: "if the entity becomes runnable again after
		// yielding (not because it chose to sleep/exit), re-enqueue at
		// tail."
		s.disp.enqueue(e)
	}
}

// TickCounters implements the per-tick performance-counter routine (spec
// §4.E "ctime, ttime, stime, retime, rutime are updated per tick by a
// dedicated routine that walks the process table and increments the field
// corresponding to the current state"). running identifies the entity the
// calling hart currently has dispatched, if any.
func TickCounters(tbl *proc.Table, running *Entity) {
	tbl.ForEachAllocated(func(p *proc.Process) {
		p.Lock()
		defer p.Unlock()
		perf := p.Perf()

		switch p.State() {
		case proc.ProcZombie:
			perf.Ttime++
			return
		case proc.ProcUsed:
			perf.Ctime++
			return
		}

		isRunning := running != nil && running.Proc == p
		anySleeping, anyRunnable := false, false
		for i := 0; i < proc.NTHREAD; i++ {
			th := p.Thread(i)
			th.Lock()
			switch th.State() {
			case proc.ThreadSleeping:
				anySleeping = true
			case proc.ThreadRunnable:
				anyRunnable = true
			}
			th.Unlock()
		}

		switch {
		case isRunning:
			perf.Rutime++
		case anyRunnable:
			perf.Retime++
		case anySleeping:
			perf.Stime++
		}
	})
}

// String reports the scheduler's policy and quantum, for boot-time logging.
func (s *Scheduler) String() string {
	return fmt.Sprintf(`sched{policy=%s quantum=%d}`, s.policy, s.cfg.Quantum)
}
