// Package trap implements the single trap-dispatch entry point (spec
// §4.H): usertrap's cause dispatch (syscall / device IRQ / page fault /
// other fault), the kill-on-return-to-user check, the timer-triggered
// yield, and usertrapret's signal-delivery pipeline. The real trampoline
// assembly, trapframe register marshalling beyond the four fields proc
// already models, and the platform interrupt controller are out of scope
// (spec §1); this package is the seam where those would plug in, expressed
// as the narrowest callbacks each needs.
package trap

import (
	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/sched"
	"github.com/boaz23/os-xv6/sig"
	"github.com/boaz23/os-xv6/vm"
)

// Cause is the dispatch tag usertrap switches on (spec §4.H "Dispatch on
// trap cause").
type Cause int

const (
	CauseSyscall Cause = iota
	CauseDeviceIRQ
	CausePageFault
	CauseFault
)

// Dispatcher wires the trap path to the process table, the active
// scheduler, and the physical allocator the paging engine needs.
type Dispatcher struct {
	Table *proc.Table
	Sched *sched.Scheduler
	Alloc vm.PhysAllocator

	// Syscall runs the syscall numbered by whatever register convention
	// the caller uses; the register-to-number mapping is out of scope
	// here (spec §1 "Kernel-to-user trampoline/trap-vector assembly").
	Syscall func(p *proc.Process, th *proc.Thread)

	// AckIRQ acknowledges a pending device interrupt and reports whether
	// it was the timer (spec §4.H "device IRQ (ack, route, record
	// timer-vs-other)").
	AckIRQ func() (isTimer bool)

	// PushSignalStub places the handler-return stub on the user stack
	// (spec §6 "User-visible handler stub") and returns its address.
	PushSignalStub sig.StubWriter
}

// UserTrap implements usertrap (spec §4.H): it saves nothing extra beyond
// what the caller already captured in th's trapframe, dispatches on cause,
// and if the thread ends up killed, runs kthread_exit(-1) before
// returning. If the cause was a timer device IRQ on a RUNNING thread, it
// yields after dispatch.
func (d *Dispatcher) UserTrap(p *proc.Process, th *proc.Thread, cause Cause, faultVA uintptr) {
	timerYield := false

	switch cause {
	case CauseSyscall:
		th.Lock()
		th.Frame().PC += 4
		th.Unlock()
		if d.Syscall != nil {
			d.Syscall(p, th)
		}

	case CauseDeviceIRQ:
		isTimer := false
		if d.AckIRQ != nil {
			isTimer = d.AckIRQ()
		}
		if isTimer && th.State() == proc.ThreadRunning {
			timerYield = true
		}

	case CausePageFault:
		if err := p.Paging().HandlePageFault(p.PageTable(), p.SwapFile(), d.Alloc, faultVA); err != nil {
			klog.Logger.Warning().Int(`pid`, p.Pid()).Str(`err`, err.Error()).Log(`page fault not recoverable, killing process`)
			p.Lock()
			p.SetKilled(true)
			p.Unlock()
		}

	case CauseFault:
		p.Lock()
		p.SetKilled(true)
		p.Unlock()
	}

	p.Lock()
	killed := p.Killed()
	p.Unlock()
	if killed {
		d.Table.KthreadExit(p, th, -1)
		return
	}

	if timerYield {
		d.yield(p, th)
	}
}

// yield implements the yield primitive (spec §4.D.4 "yield sets RUNNABLE
// and calls sched"): mark the thread RUNNABLE and hand it back to the
// scheduler's bookkeeping (the ready queue under FCFS; a no-op scan target
// under the other three policies).
func (d *Dispatcher) yield(p *proc.Process, th *proc.Thread) {
	th.Lock()
	th.SetRunnable()
	th.Unlock()
	d.Sched.EnqueueThread(p, th)
}

// UserTrapRet implements usertrapret's signal pipeline (spec §4.H
// "usertrapret runs the signal pipeline"): DeliverSpecials' fixed-point
// loop (which may itself yield repeatedly while freezed), followed by one
// DeliverCustom injection attempt. Trampoline setup (kernel SATP/SP/trap
// entry/hartid) is simulated hardware out of scope (spec §1).
func (d *Dispatcher) UserTrapRet(p *proc.Process, th *proc.Thread) {
	sig.DeliverSpecials(p, func() { d.yield(p, th) })

	p.Lock()
	killed := p.Killed()
	p.Unlock()
	if killed {
		d.Table.KthreadExit(p, th, -1)
		return
	}

	th.Lock()
	frame := th.Frame()
	th.Unlock()
	sig.DeliverCustom(p, frame, d.PushSignalStub)
}
