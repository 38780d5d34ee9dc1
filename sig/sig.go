// Package sig implements the signal subsystem (spec §4.G): sending,
// delivery (the fixed-point special-signal loop followed by custom-handler
// injection), sigret, sigprocmask, and sigaction. All operations work
// directly on a *proc.Process's SignalState under that process's own lock;
// this package owns behaviour, proc owns the data model, which keeps proc
// free of any dependency on sig.
package sig

import (
	"fmt"

	"github.com/boaz23/os-xv6/proc"
)

func isValidSignum(signum int) bool {
	return signum >= 0 && signum < proc.MaxSig
}

func isOverridableSignum(signum int) bool {
	return signum != proc.SigKill && signum != proc.SigStop
}

// checkNotOverridden panics if handler would override SIGKILL/SIGSTOP's
// fixed semantics - a kernel-invariant violation per spec §4.G ("attempting
// to override them is a kernel panic"), reachable only if calling code
// bypasses Sigaction's own validation.
func checkNotOverridden(signum int, handler proc.HandlerAddr) {
	if (signum == proc.SigKill || signum == proc.SigStop) && handler != proc.HandlerAddr(signum) {
		panic(fmt.Sprintf(`sig: attempted to override signal %d`, signum))
	}
}

// Kill validates signum, locates the target process, and ORs the pending
// bit in under the process lock (spec §4.G "Send").
func Kill(tbl *proc.Table, pid int, signum int) error {
	if !isValidSignum(signum) {
		return fmt.Errorf(`sig: invalid signal number %d`, signum)
	}
	p := tbl.FindByPid(pid)
	if p == nil {
		return fmt.Errorf(`sig: no such process %d`, pid)
	}
	p.Lock()
	defer p.Unlock()
	p.Signal().Pending |= uint32(1) << uint(signum)
	return nil
}

// DeliverSpecials runs the first phase of signal delivery (spec §4.G
// "Deliver", phase 1): for each pending signal, handle SIGKILL-equivalent,
// SIGSTOP-equivalent, and SIGCONT-equivalent semantics, dropping ignored
// signals silently and skipping blocked ones. If the process becomes
// freezed and was not just continued, it releases the process lock,
// yields, and re-acquires it, looping until no freeze remains - the
// "fixed-point loop" of the spec. yield is supplied by the caller (the trap
// package drives the scheduler's yield primitive); DeliverSpecials itself
// knows nothing about scheduling.
func DeliverSpecials(p *proc.Process, yield func()) {
	p.Lock()
	for {
		sigState := p.Signal()
		for signum := 0; signum < proc.MaxSig; signum++ {
			bit := uint32(1) << uint(signum)
			if sigState.Pending&bit == 0 {
				continue
			}
			h := sigState.Handlers[signum]

			switch {
			// SIGKILL and SIGSTOP themselves are never ignorable or
			// blockable (Sigaction rejects attempts to change their
			// disposition), so their effect is unconditional.
			case signum == proc.SigKill:
				p.SetKilled(true)
				sigState.Pending &^= bit

			case signum == proc.SigStop:
				sigState.Freezed = true
				sigState.Pending &^= bit

			// every other signal: ignored, then blocked, take priority
			// over disposition (spec §4.G "blocked non-special signals
			// are skipped"), mirroring the source's else branch.
			case h == proc.SigIgn:
				sigState.Pending &^= bit

			case sigState.Mask&bit != 0:
				// blocked: leave pending for when it's unblocked.

			case (signum == proc.SigCont && h == proc.SigDfl) || h == proc.HandlerAddr(proc.SigCont):
				sigState.Freezed = false
				sigState.Pending &^= bit

			case h == proc.HandlerAddr(proc.SigKill) || (signum != proc.SigCont && h == proc.SigDfl):
				p.SetKilled(true)
				sigState.Pending &^= bit

			case h == proc.HandlerAddr(proc.SigStop):
				sigState.Freezed = true
				sigState.Pending &^= bit

			default:
				// ordinary signal with a real handler: left pending for
				// DeliverCustom.
			}
		}

		if p.Killed() {
			p.Unlock()
			return
		}
		if p.Signal().Freezed {
			p.Unlock()
			yield()
			p.Lock()
			continue
		}
		break
	}
	p.Unlock()
}

// StubWriter places the user-visible handler-return stub on the user stack
// and returns the address the trapframe's return address should be set to
// (spec §6 "User-visible handler stub"). The real stub bytes (an 8-byte
// RISC-V li/ecall sequence baking in SYS_sigret) are out of scope here;
// only the injection protocol is.
type StubWriter func(sp uintptr) (stubAddr uintptr)

// DeliverCustom runs the second phase of signal delivery (spec §4.G
// "Deliver", phase 2): if the process is not already inside a custom
// handler, scans pending signals (skipping blocked ones) for the first
// with a user-function handler. If found, it backs up frame and the
// signal mask, reroutes frame to invoke the handler with the stub as its
// return address, and installs the handler's extra mask. Exactly one
// custom handler may be injected per call.
func DeliverCustom(p *proc.Process, frame *proc.Trapframe, pushStub StubWriter) {
	p.Lock()
	defer p.Unlock()

	sigState := p.Signal()
	if sigState.InCustomHandler {
		return
	}

	for signum := 0; signum < proc.MaxSig; signum++ {
		bit := uint32(1) << uint(signum)
		if sigState.Pending&bit == 0 || sigState.Mask&bit != 0 {
			continue
		}
		h := sigState.Handlers[signum]
		if h == proc.SigDfl || h == proc.SigIgn ||
			h == proc.HandlerAddr(proc.SigKill) || h == proc.HandlerAddr(proc.SigStop) || h == proc.HandlerAddr(proc.SigCont) {
			continue
		}

		sigState.BackupFrame = *frame
		sigState.BackupMask = sigState.Mask

		frame.RA = pushStub(frame.SP)
		frame.PC = uintptr(h)
		frame.A0 = uintptr(signum)

		sigState.Mask = sigState.ExtraMasks[signum]
		sigState.InCustomHandler = true
		sigState.Pending &^= bit
		return
	}
}

// Sigret restores frame from the backed-up trapframe, restores the signal
// mask, and clears InCustomHandler (spec §4.G "sigret syscall"). Callers
// must hold the calling thread's lock; Sigret itself takes the process
// lock.
func Sigret(p *proc.Process, frame *proc.Trapframe) {
	p.Lock()
	defer p.Unlock()
	*frame = p.Signal().BackupFrame
	p.Signal().Mask = p.Signal().BackupMask
	p.Signal().InCustomHandler = false
}

// Sigprocmask replaces the signal mask and returns the previous one, after
// forcibly clearing the SIGKILL and SIGSTOP bits from the new mask (spec
// §4.G "sigprocmask").
func Sigprocmask(p *proc.Process, newMask uint32) (old uint32) {
	p.Lock()
	defer p.Unlock()
	old = p.Signal().Mask
	cleared := ^(uint32(1)<<proc.SigKill | uint32(1)<<proc.SigStop)
	p.Signal().Mask = newMask & cleared
	return old
}

// HandlerSpec bundles a handler address with its per-handler extra mask,
// the unit sigaction copies in and out.
type HandlerSpec struct {
	Handler proc.HandlerAddr
	Mask    uint32
}

// Sigaction copies the handler/mask for signum in and/or out. It rejects
// SIGKILL and SIGSTOP (spec §4.G "sigaction").
func Sigaction(p *proc.Process, signum int, newSpec *HandlerSpec, oldSpec *HandlerSpec) error {
	if !isValidSignum(signum) {
		return fmt.Errorf(`sig: invalid signal number %d`, signum)
	}
	if !isOverridableSignum(signum) {
		return fmt.Errorf(`sig: signal %d is not overridable`, signum)
	}

	p.Lock()
	defer p.Unlock()
	sigState := p.Signal()

	if oldSpec != nil {
		oldSpec.Handler = sigState.Handlers[signum]
		oldSpec.Mask = sigState.ExtraMasks[signum]
	}
	if newSpec != nil {
		checkNotOverridden(signum, newSpec.Handler)
		sigState.Handlers[signum] = newSpec.Handler
		sigState.ExtraMasks[signum] = newSpec.Mask
	}
	return nil
}
