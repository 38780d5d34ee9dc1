package sched

import (
	"github.com/boaz23/os-xv6/internal/fixedpoint"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/ready"
)

// Policy names the four build-time scheduler variants (spec §4.E).
type Policy int

const (
	RoundRobin Policy = iota
	FCFS
	SRT
	CFSD
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return `round-robin`
	case FCFS:
		return `fcfs`
	case SRT:
		return `srt`
	case CFSD:
		return `cfsd`
	default:
		return `unknown`
	}
}

// Entity is the schedulable unit: a thread within its process. Dispatch
// granularity is per-thread (spec §3 "Thread (threaded variant only)"),
// but process-wide state (SRT estimate, CFSD priority, perf counters)
// lives on Proc.
type Entity struct {
	Proc   *proc.Process
	Thread *proc.Thread
}

// dispatcher is the narrow capability interface each policy variant
// satisfies (spec DESIGN NOTES "Policy selection... pick_next,
// on_quantum_end for scheduler"), chosen once at construction time.
type dispatcher interface {
	// pickNext selects the next entity to dispatch, or returns a zero
	// Entity (Proc == nil) if nothing is runnable.
	pickNext(tbl *proc.Table) Entity
	// onQuantumEnd is called when a dispatched entity's quantum expires
	// (or it otherwise returns control), with the number of ticks it
	// actually ran for.
	onQuantumEnd(e Entity, ticksRun uint64)
	// enqueue registers e as ready to run. A no-op for every policy
	// except FCFS, which maintains its own ready queue (spec §4.B).
	enqueue(e Entity)
}

// quantum reports how many ticks a dispatch may run for before the timer
// trap should force a yield. FCFS reports 0, meaning unbounded (spec §4.E
// "unbounded quantum (limit = ∞)").
func (p Policy) quantum(q int) int {
	if p == FCFS {
		return 0
	}
	return q
}

// rrDispatcher implements round-robin: scan the table in slot order and
// dispatch the first RUNNABLE thread found. Fairness comes entirely from
// iteration order, matching the source's bare table scan (spec §4.E
// "Round-robin (default)").
type rrDispatcher struct{}

func (rrDispatcher) pickNext(tbl *proc.Table) Entity {
	var found Entity
	tbl.ForEachRunnableThread(func(p *proc.Process, th *proc.Thread) {
		if found.Proc == nil {
			found = Entity{Proc: p, Thread: th}
		}
	})
	return found
}

func (rrDispatcher) onQuantumEnd(Entity, uint64) {}
func (rrDispatcher) enqueue(Entity)              {}

// fcfsDispatcher dispatches the head of a FIFO ready queue with an
// unbounded quantum; an entity that yields the CPU without sleeping or
// exiting is re-enqueued at the tail by the caller driving the dispatch
// loop (spec §4.E "FCFS").
type fcfsDispatcher struct {
	queue *ready.Queue[Entity]
}

func newFCFSDispatcher(capacity int) *fcfsDispatcher {
	return &fcfsDispatcher{queue: ready.New[Entity](capacity)}
}

func (d *fcfsDispatcher) pickNext(*proc.Table) Entity {
	e, ok := d.queue.Dequeue()
	if !ok {
		return Entity{}
	}
	return e
}

func (d *fcfsDispatcher) onQuantumEnd(Entity, uint64) {}

func (d *fcfsDispatcher) enqueue(e Entity) {
	d.queue.Enqueue(e)
}

// srtDispatcher implements shortest-remaining-time: scan for the RUNNABLE
// entity with the smallest exponentially-smoothed burst estimate, dispatch
// it for one quantum, then update its estimate from the actual ticks it
// ran (spec §4.E "SRT").
type srtDispatcher struct {
	alpha fixedpoint.Q
}

func newSRTDispatcher(alpha fixedpoint.Q) *srtDispatcher {
	return &srtDispatcher{alpha: alpha}
}

func (d *srtDispatcher) pickNext(tbl *proc.Table) Entity {
	var found Entity
	var best fixedpoint.Q
	haveBest := false
	tbl.ForEachRunnableThread(func(p *proc.Process, th *proc.Thread) {
		tau := p.SRTEstimate()
		if !haveBest || tau < best {
			found = Entity{Proc: p, Thread: th}
			best = tau
			haveBest = true
		}
	})
	return found
}

func (d *srtDispatcher) onQuantumEnd(e Entity, ticksRun uint64) {
	actual := fixedpoint.FromInt(int64(ticksRun))
	previous := e.Proc.SRTEstimate()
	e.Proc.SetSRTEstimate(fixedpoint.Lerp(d.alpha, actual, previous))
}

func (d *srtDispatcher) enqueue(Entity) {}

// cfsdDecayTable is the fixed priority-to-decay mapping (spec §4.E "CFSD"),
// indexed by Process.Priority() (0..4).
var cfsdDecayTable = [5]fixedpoint.Q{
	fixedpoint.FromFloat(0.2),
	fixedpoint.FromFloat(0.75),
	fixedpoint.FromFloat(1),
	fixedpoint.FromFloat(1.25),
	fixedpoint.FromFloat(5),
}

// cfsdDispatcher implements the completely-fair discretised policy: each
// RUNNABLE entity has a ratio = rutime*decay[priority] / (rutime+stime);
// the entity with the smallest ratio is dispatched next. A process that
// has accrued no rutime/stime yet has ratio 0, so freshly-created
// processes are preferred, matching the source's behaviour of favouring
// processes that haven't run yet over ones already charged CPU time.
type cfsdDispatcher struct{}

func (cfsdDispatcher) ratio(p *proc.Process) fixedpoint.Q {
	perf := p.Perf()
	denom := perf.Rutime + perf.Stime
	if denom == 0 {
		return 0
	}
	decay := cfsdDecayTable[p.Priority()]
	num := fixedpoint.FromInt(int64(perf.Rutime)).Mul(decay)
	return num.Div(fixedpoint.FromInt(int64(denom)))
}

func (d cfsdDispatcher) pickNext(tbl *proc.Table) Entity {
	var found Entity
	var best fixedpoint.Q
	haveBest := false
	tbl.ForEachRunnableThread(func(p *proc.Process, th *proc.Thread) {
		r := d.ratio(p)
		if !haveBest || r < best {
			found = Entity{Proc: p, Thread: th}
			best = r
			haveBest = true
		}
	})
	return found
}

func (cfsdDispatcher) onQuantumEnd(Entity, uint64) {}
func (cfsdDispatcher) enqueue(Entity)              {}

func newDispatcher(p Policy, cfg Config) dispatcher {
	switch p {
	case RoundRobin:
		return rrDispatcher{}
	case FCFS:
		return newFCFSDispatcher(cfg.FCFSQueueCapacity)
	case SRT:
		return newSRTDispatcher(cfg.SRTAlpha)
	case CFSD:
		return cfsdDispatcher{}
	default:
		panic(`sched: unknown policy`)
	}
}
