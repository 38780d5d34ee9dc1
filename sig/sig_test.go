package sig

import (
	"testing"

	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *proc.Table {
	return proc.NewTable(proc.Config{
		PagingPolicy: page.PolicyNFUA,
		Allocator:    vm.NewSimAllocator(0x1000, 64),
	})
}

const customSignum = 5

func TestKill_SetsPendingBit(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Kill(tbl, p.Pid(), customSignum))

	p.Lock()
	pending := p.Signal().Pending
	p.Unlock()
	assert.NotZero(t, pending&(uint32(1)<<customSignum))
}

func TestKill_InvalidSignumRejected(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()
	assert.Error(t, Kill(tbl, p.Pid(), proc.MaxSig))
	assert.Error(t, Kill(tbl, p.Pid(), -1))
}

func TestKill_UnknownPidRejected(t *testing.T) {
	tbl := newTestTable()
	assert.Error(t, Kill(tbl, 999999, customSignum))
}

func TestDeliverSpecials_SigKillMarksKilled(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Kill(tbl, p.Pid(), proc.SigKill))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	assert.True(t, p.Killed())
}

func TestDeliverSpecials_DefaultDispositionKills(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	assert.True(t, p.Killed())
}

func TestDeliverSpecials_IgnoredSignalIsDropped(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: proc.SigIgn}, nil))
	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	assert.False(t, p.Killed())
	p.Lock()
	assert.Zero(t, p.Signal().Pending&(uint32(1)<<customSignum))
	p.Unlock()
}

func TestDeliverSpecials_StopThenContReleasesFreeze(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Kill(tbl, p.Pid(), proc.SigStop))

	yieldCount := 0
	yield := func() {
		yieldCount++
		if yieldCount == 1 {
			require.NoError(t, Kill(tbl, p.Pid(), proc.SigCont))
		}
	}
	DeliverSpecials(p, yield)

	assert.False(t, p.Killed())
	p.Lock()
	assert.False(t, p.Signal().Freezed)
	p.Unlock()
	assert.Equal(t, 1, yieldCount)
}

func TestDeliverSpecials_BlockedSignalStaysPending(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	old := Sigprocmask(p, uint32(1)<<customSignum)
	require.Zero(t, old)
	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	assert.False(t, p.Killed())
	p.Lock()
	assert.NotZero(t, p.Signal().Pending&(uint32(1)<<customSignum))
	p.Unlock()
}

func TestSigactionThenDeliverCustom_InjectsHandler(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	const handlerAddr proc.HandlerAddr = 0x8000
	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: handlerAddr, Mask: 0xFF}, nil))
	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	frame := &proc.Trapframe{PC: 0x1000, SP: 0x2000, RA: 0x1004}
	stubAddr := uintptr(0x3000)
	DeliverCustom(p, frame, func(sp uintptr) uintptr {
		assert.Equal(t, uintptr(0x2000), sp)
		return stubAddr
	})

	assert.Equal(t, uintptr(handlerAddr), frame.PC)
	assert.Equal(t, stubAddr, frame.RA)
	assert.Equal(t, uintptr(customSignum), frame.A0)

	p.Lock()
	assert.True(t, p.Signal().InCustomHandler)
	assert.Equal(t, uint32(0xFF), p.Signal().Mask)
	p.Unlock()
}

func TestDeliverCustom_OnlyOnePerCall(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	const h1, h2 proc.HandlerAddr = 0x8000, 0x9000
	require.NoError(t, Sigaction(p, 4, &HandlerSpec{Handler: h1}, nil))
	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: h2}, nil))
	require.NoError(t, Kill(tbl, p.Pid(), 4))
	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	frame := &proc.Trapframe{SP: 0x2000}
	DeliverCustom(p, frame, func(sp uintptr) uintptr { return 0x3000 })
	assert.Equal(t, uintptr(h1), frame.PC)

	frame2 := &proc.Trapframe{SP: 0x2000}
	DeliverCustom(p, frame2, func(sp uintptr) uintptr { return 0x3000 })
	assert.Zero(t, frame2.PC, `should not inject a second handler while already inside one`)
}

func TestSigret_RestoresBackup(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	const handlerAddr proc.HandlerAddr = 0x8000
	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: handlerAddr, Mask: 0xFF}, nil))
	require.NoError(t, Kill(tbl, p.Pid(), customSignum))
	DeliverSpecials(p, func() { t.Fatal(`yield should not be called`) })

	original := proc.Trapframe{PC: 0x1000, SP: 0x2000, RA: 0x1004}
	frame := original
	DeliverCustom(p, &frame, func(sp uintptr) uintptr { return 0x3000 })

	Sigret(p, &frame)
	assert.Equal(t, original, frame)

	p.Lock()
	assert.False(t, p.Signal().InCustomHandler)
	assert.Zero(t, p.Signal().Mask)
	p.Unlock()
}

func TestSigprocmask_ClearsReservedBits(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	requested := uint32(1)<<proc.SigKill | uint32(1)<<proc.SigStop | uint32(1)<<customSignum
	Sigprocmask(p, requested)

	p.Lock()
	mask := p.Signal().Mask
	p.Unlock()
	assert.Zero(t, mask&(uint32(1)<<proc.SigKill))
	assert.Zero(t, mask&(uint32(1)<<proc.SigStop))
	assert.NotZero(t, mask&(uint32(1)<<customSignum))
}

func TestSigaction_RejectsSigKillAndSigStop(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	assert.Error(t, Sigaction(p, proc.SigKill, &HandlerSpec{Handler: 0x8000}, nil))
	assert.Error(t, Sigaction(p, proc.SigStop, &HandlerSpec{Handler: 0x8000}, nil))
}

func TestSigaction_RoundTripsOldSpec(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: 0x8000, Mask: 0x1}, nil))
	var old HandlerSpec
	require.NoError(t, Sigaction(p, customSignum, &HandlerSpec{Handler: 0x9000, Mask: 0x2}, &old))
	assert.Equal(t, proc.HandlerAddr(0x8000), old.Handler)
	assert.Equal(t, uint32(0x1), old.Mask)
}
