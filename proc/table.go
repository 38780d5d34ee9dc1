package proc

import (
	"fmt"
	"sync"

	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/vm"
)

// Table is the fixed-capacity process table (spec §3 "Process").
type Table struct {
	waitMu sync.Mutex // global wait-lock (spec §5 "two global spinlocks")
	pidMu  sync.Mutex // global pid allocation lock

	nextPid int
	procs   [NPROC]*Process

	policy    page.Policy
	alloc     vm.PhysAllocator
	initIndex int
	haveInit  bool
}

// Config bundles the construction-time choices AllocProc's paging setup
// needs.
type Config struct {
	PagingPolicy page.Policy
	Allocator    vm.PhysAllocator
}

// NewTable constructs an empty process table.
func NewTable(cfg Config) *Table {
	if cfg.Allocator == nil {
		panic(`proc: NewTable requires a non-nil physical allocator`)
	}
	t := &Table{nextPid: 1, policy: cfg.PagingPolicy, alloc: cfg.Allocator, initIndex: -1}
	for i := range t.procs {
		t.procs[i] = newProcess(i)
	}
	return t
}

func (t *Table) allocPid() int {
	t.pidMu.Lock()
	defer t.pidMu.Unlock()
	pid := t.nextPid
	t.nextPid++
	return pid
}

// AllocProc scans the table taking per-slot locks until it finds UNUSED. On
// success it assigns a pid, constructs a fresh page table and paging
// metadata, initialises thread 0, zero-initialises performance counters and
// signal state, and returns the slot with its lock held (spec §4.D.1). Any
// failure rewinds partial state and releases the lock before returning nil.
func (t *Table) AllocProc(name string, exempt bool) *Process {
	for _, p := range t.procs {
		p.Lock()
		if p.state != ProcUnused {
			p.Unlock()
			continue
		}

		p.pid = t.allocPid()
		p.name = name
		p.exempt = exempt
		p.killed = false
		p.exitStatus = 0
		p.collapsing = false
		p.sig = SignalState{}
		p.perf = PerfStats{}
		p.traceMask = 0
		p.priority = 2
		p.srtTau = 0
		p.pageTable = vm.NewPageTable()
		p.paging = page.New(t.policy, exempt)
		p.swapFile = vm.NewMemSwapFile(page.MaxTotalPages - page.MaxPsycPages)

		th0 := p.threads[0]
		th0.Lock()
		th0.tid = 0
		th0.state = ThreadUsed
		th0.killed = false
		th0.waiterCount = 0
		th0.name = name
		th0.frame = Trapframe{}
		th0.gen.Bump()
		th0.Unlock()
		p.aliveThreads = 1
		p.nextTid = 1
		p.gen.Bump()

		p.state = ProcUsed
		klog.Logger.Debug().Int(`pid`, p.pid).Str(`name`, name).Log(`process allocated`)
		return p
	}
	return nil
}

// UserInit allocates the first process in the system, points its thread-0
// trapframe at entryPC/userStackBottom, flips it to SCHEDULABLE, and
// registers it as init (spec §4.D.2 "allocated by fork/userinit (→USED),
// becomes SCHEDULABLE ... after fields are populated and state flipped
// under its lock"). It must be called exactly once, before any fork.
func (t *Table) UserInit(name string, entryPC, userStackBottom uintptr) *Process {
	p := t.AllocProc(name, true)
	if p == nil {
		panic(`proc: UserInit: process table has no free slot at boot`)
	}

	th0 := p.threads[0]
	th0.Lock()
	th0.frame.PC = entryPC
	th0.frame.SP = userStackBottom
	th0.state = ThreadRunnable
	th0.Unlock()

	p.MarkSchedulable()
	p.Unlock()

	t.SetInit(p)
	klog.Logger.Info().Int(`pid`, p.Pid()).Log(`userinit`)
	return p
}

// SetInit designates p (already allocated) as the init process: the target
// of reparenting on orphaning. Paging exemption is not set here; it comes
// from the exempt argument of AllocProc.
func (t *Table) SetInit(p *Process) {
	for i := range t.procs {
		if t.procs[i] == p {
			t.initIndex = i
			t.haveInit = true
			return
		}
	}
	panic(`proc: SetInit: process not found in this table`)
}

// Fork allocates a child slot, copies the parent's user memory (including
// swapped pages), open files (incrementing refcounts), name, signal
// handlers and mask (never the pending bitmap), tracing mask, scheduling
// fields, and thread-0 trapframe with A0=0, marks thread 0 RUNNABLE, then
// flips the child to SCHEDULABLE under its own lock (spec §4.D.2 "fork"). The caller must hold
// parent's lock on entry; Fork releases it before returning in all cases.
func (t *Table) Fork(parent *Process) (*Process, error) {
	defer parent.Unlock()

	child := t.AllocProc(parent.name, parent.exempt)
	if child == nil {
		return nil, fmt.Errorf(`proc: fork: no free process slot`)
	}

	child.pageTable = parent.pageTable.Clone()
	childPaging, err := parent.paging.ForkChild(child.pageTable, parent.swapFile, child.swapFile, t.alloc)
	child.paging = childPaging
	if err != nil {
		t.freeLocked(child)
		return nil, fmt.Errorf(`proc: fork: %w`, err)
	}

	for i, f := range parent.openFiles {
		if f != nil {
			f.refs++
			child.openFiles[i] = f
		}
	}

	child.sig.Mask = parent.sig.Mask
	child.sig.Handlers = parent.sig.Handlers
	child.sig.ExtraMasks = parent.sig.ExtraMasks
	// pending bitmap deliberately not copied.

	child.traceMask = parent.traceMask
	child.priority = parent.priority
	child.srtTau = parent.srtTau

	th0 := child.threads[0]
	th0.Lock()
	th0.frame = parent.threads[0].frame
	th0.frame.A0 = 0
	th0.state = ThreadRunnable
	th0.Unlock()

	t.waitMu.Lock()
	child.parentIdx = t.indexOf(parent)
	t.waitMu.Unlock()

	child.state = ProcSchedulable
	child.Unlock()

	klog.Logger.Info().Int(`parent_pid`, parent.pid).Int(`child_pid`, child.pid).Log(`fork`)
	return child, nil
}

// Exec replaces p's image: it collapses every thread but the caller via
// Collapse, discards the old paging metadata and swap file, installs a
// fresh page table, and points the caller's trapframe at the new program's
// entry and stack (spec §4.C.3 "On exec, the old metadata is discarded and
// the swap file is truncated", §4.D.2 "Collapse (used by exec and by
// exit)"). Loading the program image itself - ELF parsing, argument
// marshalling - is out of scope (spec §1); the caller supplies the already
// resolved entry point and stack bottom.
func (t *Table) Exec(p *Process, caller *Thread, entryPC, userStackBottom uintptr) {
	t.Collapse(p, caller)

	p.Lock()
	p.paging.Truncate(p.swapFile)
	p.pageTable = vm.NewPageTable()
	p.paging = page.New(t.policy, p.exempt)
	p.Unlock()

	caller.Lock()
	caller.frame = Trapframe{PC: entryPC, SP: userStackBottom}
	caller.Unlock()

	klog.Logger.Info().Int(`pid`, p.pid).Log(`exec`)
}

func (t *Table) indexOf(p *Process) int {
	for i := range t.procs {
		if t.procs[i] == p {
			return i
		}
	}
	panic(`proc: process not a member of this table`)
}

// freeLocked resets p to UNUSED, reclaiming its entire thread vector so a
// detached or unjoined ZOMBIE sibling thread from the prior incarnation
// can never survive into the recycled slot (spec §4.D.3/§4.D.2 - the
// source's freeproc reclaims the whole thread/kstack vector, not just
// thread 0). Callers must hold p's lock.
func (t *Table) freeLocked(p *Process) {
	p.state = ProcUnused
	p.pid = 0
	p.parentIdx = -1
	if p.swapFile != nil {
		p.swapFile.Truncate()
	}
	for _, th := range p.threads {
		th.Lock()
		t.freeThreadLocked(th)
		th.Unlock()
	}
	p.aliveThreads = 0
	p.nextTid = 0
}

// ExitCore implements the last thread's half of exit(status) (spec
// §4.D.2): records status, drops p's open-file references, reparents
// children to init, and marks p ZOMBIE. It wakes no one: Wait never sleeps,
// so the parent sees the zombie on its next Wait call. The caller must hold p's lock on
// entry and continues to hold it on return (mirroring "calls sched" being
// the caller's responsibility, since sched lives in the sched package).
func (t *Table) ExitCore(p *Process, status int) {
	p.exitStatus = status
	for i, f := range p.openFiles {
		if f != nil {
			f.refs--
			p.openFiles[i] = nil
		}
	}

	t.waitMu.Lock()
	if t.haveInit {
		for i := range t.procs {
			if t.procs[i].parentIdx == t.indexOf(p) {
				t.procs[i].parentIdx = t.initIndex
			}
		}
	}
	p.state = ProcZombie
	t.waitMu.Unlock()

	klog.Logger.Info().Int(`pid`, p.pid).Int(`status`, status).Log(`process exited`)
}

// Wait scans the table for a ZOMBIE child of parent, frees the first one
// found and returns (pid, exitStatus, perf, true). If parent has no
// children at all, returns (0, 0, PerfStats{}, false) signalling the
// caller should return -1 without sleeping again.
func (t *Table) Wait(parent *Process) (pid int, status int, perf PerfStats, hasChildren bool) {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()

	parentIdx := t.indexOf(parent)
	for i := range t.procs {
		c := t.procs[i]
		if c.parentIdx != parentIdx {
			continue
		}
		hasChildren = true
		c.Lock()
		if c.state == ProcZombie {
			pid, status, perf = c.pid, c.exitStatus, c.perf
			t.freeLocked(c)
			c.Unlock()
			return pid, status, perf, true
		}
		c.Unlock()
	}
	return 0, 0, PerfStats{}, hasChildren
}

// FindByPid returns the allocated process with the given pid, or nil if
// there is none. sig.Kill uses it to locate the target of a signal (spec
// §4.G "kill"); it is the only signal operation that needs a table-wide scan.
func (t *Table) FindByPid(pid int) *Process {
	for _, p := range t.procs {
		p.Lock()
		if p.state != ProcUnused && p.pid == pid {
			p.Unlock()
			return p
		}
		p.Unlock()
	}
	return nil
}

// ForEachSchedulable calls fn for every process in a schedulable state. The
// scheduler policies scan with ForEachRunnableThread instead.
func (t *Table) ForEachSchedulable(fn func(*Process)) {
	for _, p := range t.procs {
		p.Lock()
		schedulable := p.state == ProcSchedulable
		p.Unlock()
		if schedulable {
			fn(p)
		}
	}
}

// ForEachRunnableThread calls fn for every thread currently RUNNABLE within
// a SCHEDULABLE process, used by the scheduler policies' pickNext scans.
func (t *Table) ForEachRunnableThread(fn func(*Process, *Thread)) {
	for _, p := range t.procs {
		p.Lock()
		schedulable := p.state == ProcSchedulable
		threads := p.threads
		p.Unlock()
		if !schedulable {
			continue
		}
		for _, th := range threads {
			th.Lock()
			runnable := th.state == ThreadRunnable
			th.Unlock()
			if runnable {
				fn(p, th)
			}
		}
	}
}

// ForEachAllocated calls fn for every process slot not currently UNUSED
// (USED, SCHEDULABLE, or ZOMBIE), used by the performance-counter tick
// routine, which must account for zombies awaiting reaping too.
func (t *Table) ForEachAllocated(fn func(*Process)) {
	for _, p := range t.procs {
		p.Lock()
		allocated := p.state != ProcUnused
		p.Unlock()
		if allocated {
			fn(p)
		}
	}
}

// WaitStat is Wait under the name of the SUPPLEMENTED FEATURES wait_stat
// syscall variant; Wait already returns the reaped child's performance
// counters.
func (t *Table) WaitStat(parent *Process) (pid int, status int, perf PerfStats, hasChildren bool) {
	return t.Wait(parent)
}

// SetPriority validates and stores a CFSD priority (spec §6 "set_priority",
// SUPPLEMENTED FEATURES): 0..4, rejected outside that range. The value is
// stored under every scheduler, matching the source's behaviour of storing
// unconditionally while only CFSD ever reads it.
func (p *Process) SetPriority(prio int) error {
	if prio < 0 || prio > 4 {
		return fmt.Errorf(`proc: priority %d out of range 0..4`, prio)
	}
	p.priority = prio
	return nil
}

// PgFaultReset implements the pgfault_reset syscall (spec §6, SUPPLEMENTED
// FEATURES): atomically read-and-zero this process's fault counter.
func (p *Process) PgFaultReset() uint64 {
	return p.paging.ResetPgFaultCount()
}
