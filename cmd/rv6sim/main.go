// Command rv6sim boots a Kernel, forks a child off init, and drives a
// handful of scheduler ticks, printing the resulting process states. It is
// a minimal runnable demonstration of the kernel core, the same role the
// teacher's package-level example tests play, moved to a cmd binary since
// a booted kernel (not a library) is the actual product here.
package main

import (
	"fmt"

	"github.com/boaz23/os-xv6/kernel"
	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/sched"
	"github.com/boaz23/os-xv6/vm"
)

func main() {
	k := kernel.New(kernel.Config{
		PagingPolicy: page.PolicyNFUA,
		PagingSet:    true,
		SchedPolicy:  sched.CFSD,
		SchedSet:     true,
		Allocator:    vm.NewSimAllocator(0x1000, 4096),
	})

	initProc := k.Boot(0x1000, 0x80000)
	fmt.Printf("booted %s\n", k)
	fmt.Printf("init: pid=%d state=%v\n", initProc.Pid(), initProc.State())

	initProc.Lock()
	child, err := k.Table.Fork(initProc)
	if err != nil {
		panic(err)
	}
	k.Sched.EnqueueThread(child, child.Thread(0))
	fmt.Printf("forked child: pid=%d state=%v\n", child.Pid(), child.State())

	for tick := 0; tick < 5; tick++ {
		e := k.Sched.Dispatch(k.Harts[0])
		if e.Proc == nil {
			fmt.Printf("tick %d: nothing runnable\n", tick)
			continue
		}

		sched.TickCounters(k.Table, &e)
		k.Sched.EndQuantum(e, 1, true)
		fmt.Printf("tick %d: ran pid=%d tid=%d\n", tick, e.Proc.Pid(), e.Thread.Tid())
	}

	k.Table.ForEachAllocated(func(p *proc.Process) {
		perf := p.Perf()
		fmt.Printf("pid=%d state=%v rutime=%d retime=%d stime=%d\n",
			p.Pid(), p.State(), perf.Rutime, perf.Retime, perf.Stime)
	})
}
