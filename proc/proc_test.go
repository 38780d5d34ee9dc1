package proc

import (
	"testing"
	"time"

	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	return NewTable(Config{
		PagingPolicy: page.PolicyNFUA,
		Allocator:    vm.NewSimAllocator(0x1000, 256),
	})
}

func TestAllocProc_AssignsUniquePids(t *testing.T) {
	tbl := newTestTable()
	p1 := tbl.AllocProc(`a`, false)
	require.NotNil(t, p1)
	p1.Unlock()
	p2 := tbl.AllocProc(`b`, false)
	require.NotNil(t, p2)
	p2.Unlock()
	assert.NotEqual(t, p1.Pid(), p2.Pid())
}

func TestAllocProc_ExhaustedReturnsNil(t *testing.T) {
	tbl := newTestTable()
	for i := 0; i < NPROC; i++ {
		p := tbl.AllocProc(`x`, false)
		require.NotNil(t, p)
		p.Unlock()
	}
	assert.Nil(t, tbl.AllocProc(`overflow`, false))
}

func TestFork_ChildGetsOwnPidAndIsSchedulable(t *testing.T) {
	tbl := newTestTable()
	parent := tbl.AllocProc(`parent`, false)
	parent.Lock()
	child, err := tbl.Fork(parent)
	require.NoError(t, err)
	assert.NotEqual(t, parent.Pid(), child.Pid())
	assert.Equal(t, ProcSchedulable, child.State())
	assert.Equal(t, uintptr(0), child.Thread(0).frame.A0)
}

func TestWait_NoChildrenReturnsFalse(t *testing.T) {
	tbl := newTestTable()
	parent := tbl.AllocProc(`solo`, false)
	parent.Unlock()
	_, _, _, hasChildren := tbl.Wait(parent)
	assert.False(t, hasChildren)
}

func TestExitThenWait_ReapsZombie(t *testing.T) {
	tbl := newTestTable()
	parent := tbl.AllocProc(`parent`, false)
	parent.Lock()
	child, err := tbl.Fork(parent)
	require.NoError(t, err)

	child.Lock()
	tbl.ExitCore(child, 7)
	child.Unlock()

	pid, status, _, hasChildren := tbl.Wait(parent)
	require.True(t, hasChildren)
	assert.Equal(t, child.Pid(), pid)
	assert.Equal(t, 7, status)
	assert.Equal(t, ProcUnused, child.State())
}

func TestKthreadCreate_RefusesWhenAllSlotsUsed(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	for i := 1; i < NTHREAD; i++ {
		_, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
		require.NoError(t, err)
	}
	_, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	assert.Error(t, err)
}

func TestKthreadJoin_SelfJoinRejected(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()
	assert.Equal(t, -1, tbl.KthreadJoin(p, p.Thread(0), 0, nil))
}

func TestKthreadJoin_UnusedTidRejected(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()
	assert.Equal(t, -1, tbl.KthreadJoin(p, p.Thread(0), 5, nil))
}

func TestKthreadCreateExitJoin_ReturnsStatus(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	tid, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)

	var target *Thread
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i).Tid() == tid {
			target = p.Thread(i)
		}
	}
	require.NotNil(t, target)

	done := make(chan struct{})
	go func() {
		tbl.KthreadExit(p, target, 74)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(`kthread exit did not complete`)
	}

	var status int
	got := tbl.KthreadJoin(p, p.Thread(0), tid, &status)
	assert.Equal(t, tid, got)
	assert.Equal(t, 74, status)
}

func TestKthreadJoin_ConcurrentJoinersBothObserveStatus(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	tid, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)
	tid2, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)

	var target *Thread
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i).Tid() == tid {
			target = p.Thread(i)
		}
	}
	require.NotNil(t, target)

	var joiner1, joiner2 *Thread
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i).Tid() == 0 {
			joiner1 = p.Thread(i)
		}
		if p.Thread(i).Tid() == tid2 {
			joiner2 = p.Thread(i)
		}
	}
	require.NotNil(t, joiner1)
	require.NotNil(t, joiner2)

	results := make(chan int, 2)
	go func() {
		var status int
		tbl.KthreadJoin(p, joiner1, tid, &status)
		results <- status
	}()
	go func() {
		var status int
		tbl.KthreadJoin(p, joiner2, tid, &status)
		results <- status
	}()

	time.Sleep(20 * time.Millisecond)
	tbl.KthreadExit(p, target, 74)

	r1 := <-results
	r2 := <-results
	assert.Equal(t, 74, r1)
	assert.Equal(t, 74, r2)
}

func TestExec_CollapsesSiblingsAndResetsImage(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	tid, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)

	var sibling *Thread
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i).Tid() == tid {
			sibling = p.Thread(i)
		}
	}
	require.NotNil(t, sibling)

	// Simulate the sibling's own thread noticing its kill flag on its next
	// trap and calling kthread_exit itself, the way a real dispatched
	// thread would; Collapse only requests the kill and waits.
	stop := make(chan struct{})
	go func() {
		for {
			sibling.Lock()
			killed := sibling.killed
			sibling.Unlock()
			if killed {
				tbl.KthreadExit(p, sibling, -1)
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	caller := p.Thread(0)
	done := make(chan struct{})
	go func() {
		tbl.Exec(p, caller, 0x4000, 0x9000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(stop)
		t.Fatal(`exec did not complete`)
	}

	assert.Equal(t, ThreadUnused, sibling.State())
	assert.False(t, p.Killed())

	caller.Lock()
	assert.Equal(t, uintptr(0x4000), caller.Frame().PC)
	assert.Equal(t, uintptr(0x9000), caller.Frame().SP)
	caller.Unlock()
}

func TestFreeLocked_ResetsEntireThreadVectorOnReap(t *testing.T) {
	tbl := newTestTable()
	p := tbl.AllocProc(`p`, false)
	p.Unlock()

	tid, err := tbl.KthreadCreate(p, p.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)

	var sibling *Thread
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i).Tid() == tid {
			sibling = p.Thread(i)
		}
	}
	require.NotNil(t, sibling)
	siblingIdx := -1
	for i := 0; i < NTHREAD; i++ {
		if p.Thread(i) == sibling {
			siblingIdx = i
		}
	}

	// Sibling is left ZOMBIE (unjoined) while the process exits via its
	// last remaining thread.
	done := make(chan struct{})
	go func() {
		tbl.KthreadExit(p, sibling, 1)
		close(done)
	}()
	<-done
	tbl.KthreadExit(p, p.Thread(0), 0)

	p.Lock()
	require.Equal(t, ProcZombie, p.state)
	tbl.freeLocked(p)
	p.Unlock()

	assert.Equal(t, ThreadUnused, p.Thread(siblingIdx).State())
	assert.Equal(t, -1, p.Thread(siblingIdx).Tid())

	reused := tbl.AllocProc(`q`, false)
	require.NotNil(t, reused)
	reused.Unlock()
	newTid, err := tbl.KthreadCreate(reused, reused.Thread(0), 0x1000, 0x2000, 4096)
	require.NoError(t, err)
	assert.NotEqual(t, -1, newTid)
}
