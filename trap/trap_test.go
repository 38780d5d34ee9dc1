package trap

import (
	"testing"

	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/sched"
	"github.com/boaz23/os-xv6/sig"
	"github.com/boaz23/os-xv6/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness() (*proc.Table, *proc.Process, *Dispatcher) {
	tbl := proc.NewTable(proc.Config{
		PagingPolicy: page.PolicyNFUA,
		Allocator:    vm.NewSimAllocator(0x1000, 64),
	})
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	s := sched.New(tbl, sched.Config{Policy: sched.RoundRobin, Quantum: 4})
	d := &Dispatcher{
		Table: tbl,
		Sched: s,
		Alloc: vm.NewSimAllocator(0x1000, 64),
		PushSignalStub: func(sp uintptr) uintptr {
			return sp - 16
		},
	}
	return tbl, p, d
}

func TestUserTrap_Syscall_AdvancesPCAndInvokesHandler(t *testing.T) {
	_, p, d := newHarness()
	th := p.Thread(0)
	th.Lock()
	th.Frame().PC = 0x1000
	th.Unlock()

	called := false
	d.Syscall = func(p *proc.Process, th *proc.Thread) { called = true }
	d.UserTrap(p, th, CauseSyscall, 0)

	assert.True(t, called)
	th.Lock()
	assert.Equal(t, uintptr(0x1004), th.Frame().PC)
	th.Unlock()
}

func TestUserTrap_Fault_KillsAndExits(t *testing.T) {
	_, p, d := newHarness()
	th := p.Thread(0)
	d.UserTrap(p, th, CauseFault, 0)

	assert.True(t, p.Killed())
	assert.Equal(t, proc.ProcZombie, p.State())
}

func TestUserTrap_TimerOnRunningThread_Yields(t *testing.T) {
	_, p, d := newHarness()
	th := p.Thread(0)
	th.Lock()
	th.SetRunning()
	th.Unlock()

	d.AckIRQ = func() bool { return true }
	d.UserTrap(p, th, CauseDeviceIRQ, 0)

	assert.Equal(t, proc.ThreadRunnable, th.State())
}

func TestUserTrap_NonTimerIRQ_DoesNotYield(t *testing.T) {
	_, p, d := newHarness()
	th := p.Thread(0)
	th.Lock()
	th.SetRunning()
	th.Unlock()

	d.AckIRQ = func() bool { return false }
	d.UserTrap(p, th, CauseDeviceIRQ, 0)

	assert.Equal(t, proc.ThreadRunning, th.State())
}

func TestUserTrap_PageFault_UnmappedVAKillsProcess(t *testing.T) {
	_, p, d := newHarness()
	th := p.Thread(0)
	d.UserTrap(p, th, CausePageFault, 0xABCD000)

	assert.True(t, p.Killed())
}

func TestUserTrapRet_InjectsCustomHandler(t *testing.T) {
	tbl, p, d := newHarness()
	const handlerAddr proc.HandlerAddr = 0x8000
	require.NoError(t, sig.Sigaction(p, 5, &sig.HandlerSpec{Handler: handlerAddr}, nil))
	require.NoError(t, sig.Kill(tbl, p.Pid(), 5))

	th := p.Thread(0)
	th.Lock()
	th.Frame().PC = 0x1000
	th.Frame().SP = 0x2000
	th.Unlock()

	d.UserTrapRet(p, th)

	th.Lock()
	defer th.Unlock()
	assert.Equal(t, uintptr(handlerAddr), th.Frame().PC)
	assert.Equal(t, uintptr(0x2000-16), th.Frame().RA)
}

func TestUserTrapRet_SigKillExitsThread(t *testing.T) {
	tbl, p, d := newHarness()
	require.NoError(t, sig.Kill(tbl, p.Pid(), proc.SigKill))

	th := p.Thread(0)
	d.UserTrapRet(p, th)

	assert.True(t, p.Killed())
	assert.Equal(t, proc.ProcZombie, p.State())
}
