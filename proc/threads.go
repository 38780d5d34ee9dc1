package proc

import (
	"fmt"

	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/wait"
)

// KthreadCreate allocates a thread slot, copies the caller's trapframe,
// overrides PC and SP to start the new thread at startPC with its stack at
// userStackBottom, and returns its tid. Refuses if the process has been
// killed (spec §4.D.3 "kthread_create").
func (t *Table) KthreadCreate(p *Process, caller *Thread, startPC, userStackBottom uintptr, stackSize uintptr) (int, error) {
	p.Lock()
	defer p.Unlock()
	if p.killed {
		return -1, fmt.Errorf(`proc: kthread_create: process killed`)
	}

	for _, th := range p.threads {
		th.Lock()
		if th.state != ThreadUnused {
			th.Unlock()
			continue
		}

		tid := p.nextTid
		p.nextTid++
		th.tid = tid
		th.killed = false
		th.waiterCount = 0
		th.exitStatus = 0
		th.name = caller.name
		th.frame = caller.frame
		th.frame.PC = startPC
		th.frame.SP = userStackBottom + stackSize - 16
		th.stackBottom = userStackBottom
		th.state = ThreadRunnable
		th.gen.Bump()
		th.Unlock()

		p.aliveThreads++
		klog.Logger.Debug().Int(`pid`, p.pid).Int(`tid`, tid).Log(`thread created`)
		return tid, nil
	}
	return -1, fmt.Errorf(`proc: kthread_create: no free thread slot`)
}

// KthreadExit decrements the process's alive-thread count. If self was the
// last living thread it runs ExitCore with status, leaving self's own state
// as it is; otherwise it records status on self, marks self ZOMBIE, and then
// wakes any joiners (spec §4.D.3 "kthread_exit").
func (t *Table) KthreadExit(p *Process, self *Thread, status int) {
	p.Lock()
	p.aliveThreads--
	last := p.aliveThreads == 0
	p.Unlock()

	if last {
		p.Lock()
		t.ExitCore(p, status)
		p.Unlock()
		return
	}

	// Set exitStatus and ThreadZombie before waking joiners: a joiner that
	// reacquires this thread's lock after being woken must see the final
	// state, or it would sleep again waiting for a wakeup that never comes.
	self.Lock()
	self.exitStatus = status
	self.state = ThreadZombie
	self.Unlock()

	waiters := make([]wait.Waiter, 0, NTHREAD)
	for _, th := range p.threads {
		waiters = append(waiters, th)
	}
	wait.Wakeup(self, waiters...)
}

// KthreadJoin locates the thread identified by targetTid within p, waits
// for it to become ZOMBIE, and copies out its exit status. Self-join and
// join-on-an-unused/recycled tid both return -1; a killed caller returns
// -2 (spec §4.D.3 "kthread_join").
func (t *Table) KthreadJoin(p *Process, self *Thread, targetTid int, statusOut *int) int {
	if self.tid == targetTid {
		return -1
	}

	var target *Thread
	for _, th := range p.threads {
		if th.tid == targetTid {
			target = th
			break
		}
	}
	if target == nil {
		return -1
	}

	target.Lock()
	target.waiterCount++
	for {
		if target.state == ThreadUnused || target.tid != targetTid {
			target.Unlock()
			return -1
		}

		self.Lock()
		killed := self.killed
		self.Unlock()
		if killed {
			target.Unlock()
			return -2
		}

		if target.state == ThreadZombie {
			if statusOut != nil {
				*statusOut = target.exitStatus
			}
			target.waiterCount--
			tid := target.tid
			if target.waiterCount == 0 {
				t.freeThreadLocked(target)
			}
			target.Unlock()
			return tid
		}

		wait.Sleep(self, target, target)
	}
}

// freeThreadLocked recycles a ZOMBIE thread slot to UNUSED. Callers must
// hold th's lock.
func (t *Table) freeThreadLocked(th *Thread) {
	th.state = ThreadUnused
	th.tid = -1
	th.killed = false
	th.waiterCount = 0
	th.exitStatus = 0
	th.gen.Bump()
}

// Collapse is used by exec and exit to reduce a multi-threaded process to
// one thread: it marks the process collapsing, requests kill of every
// sibling thread, force-joins each of them (ignoring the collapsing
// thread's own killed status while doing so), then resets both the
// collapsing thread's and the process's killed flag (spec §4.D.3
// "Collapse").
func (t *Table) Collapse(p *Process, survivor *Thread) {
	p.Lock()
	p.collapsing = true
	for _, th := range p.threads {
		if th == survivor {
			continue
		}
		th.Lock()
		if th.state != ThreadUnused {
			th.killed = true
			if th.Sleeping() {
				th.Wake()
				th.cond.Broadcast()
			}
		}
		th.Unlock()
	}
	p.Unlock()

	for _, th := range p.threads {
		if th == survivor {
			continue
		}
		th.Lock()
		for th.state != ThreadUnused && th.state != ThreadZombie {
			wait.Sleep(survivor, th, th)
		}
		if th.state == ThreadZombie {
			t.freeThreadLocked(th)
		}
		th.Unlock()
	}

	p.Lock()
	p.collapsing = false
	p.killed = false
	p.Unlock()
	survivor.Lock()
	survivor.killed = false
	survivor.Unlock()
}
