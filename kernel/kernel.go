// Package kernel wires the process/thread table, paging engine, scheduler,
// signal subsystem, and trap dispatcher together into one bootable unit
// (spec §6 "Build-time configuration switches"). Config mirrors the
// teacher's BatcherConfig/ChannelConfig idiom: a struct of optional fields,
// defaulted and validated by a constructor that panics on an invalid or
// contradictory combination, exactly like the source's own boot-time panic
// "if none selected."
package kernel

import (
	"fmt"

	"github.com/boaz23/os-xv6/hart"
	"github.com/boaz23/os-xv6/internal/fixedpoint"
	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/page"
	"github.com/boaz23/os-xv6/proc"
	"github.com/boaz23/os-xv6/sched"
	"github.com/boaz23/os-xv6/sem"
	"github.com/boaz23/os-xv6/trap"
	"github.com/boaz23/os-xv6/vm"
)

// FloatMode names the build-time float-handling switch (spec §6).
type FloatMode int

const (
	FloatUnset FloatMode = iota
	FloatAllowed
	FloatSimulateByInt
	FloatSkip
	FloatDisabled
)

// Config is the kernel's build-time configuration (spec §6 "Build-time
// configuration switches"). PagingPolicy and SchedPolicy must each be
// explicitly selected; FloatMode defaults to FloatSimulateByInt (the
// source's FPU-less default) if left unset.
type Config struct {
	PagingPolicy page.Policy
	PagingSet    bool // distinguishes "NFUA chosen" from "left unset" since NFUA==0

	SchedPolicy Policy
	SchedSet    bool

	FloatMode FloatMode

	Quantum           int
	NumHarts          int
	MaxBsem           int
	FCFSQueueCapacity int
	SRTAlpha          fixedpoint.Q

	Allocator vm.PhysAllocator
}

// Policy re-exports sched.Policy so callers configuring a Kernel don't need
// to import the sched package directly for the common case.
type Policy = sched.Policy

const (
	RoundRobin = sched.RoundRobin
	FCFS       = sched.FCFS
	SRT        = sched.SRT
	CFSD       = sched.CFSD
)

func (c Config) withDefaults() Config {
	if c.Quantum <= 0 {
		c.Quantum = 10
	}
	if c.NumHarts <= 0 {
		c.NumHarts = proc.NCPU
	}
	if c.MaxBsem <= 0 {
		c.MaxBsem = 128
	}
	if c.FCFSQueueCapacity <= 0 {
		c.FCFSQueueCapacity = proc.NPROC
	}
	if c.FloatMode == FloatUnset {
		c.FloatMode = FloatSimulateByInt
	}
	if c.SRTAlpha == 0 {
		c.SRTAlpha = fixedpoint.FromFloat(0.5)
	}
	return c
}

// Kernel bundles every component a running instance needs: the process
// table, the scheduler, the semaphore table, per-hart records, and the
// trap dispatcher that ties them together.
type Kernel struct {
	Config Config

	Table   *proc.Table
	Sched   *sched.Scheduler
	Bsems   *sem.Table
	Harts   []*hart.Hart
	Trap    *trap.Dispatcher
	initPid int
}

// New validates cfg, applies defaults, and constructs a fully wired Kernel.
// It panics if PagingPolicy or SchedPolicy were never selected (spec §6
// "Kernel must panic at boot if none selected") or if Allocator is nil.
func New(cfg Config) *Kernel {
	if !cfg.PagingSet {
		panic(`kernel: no paging policy selected`)
	}
	if !cfg.SchedSet {
		panic(`kernel: no scheduler policy selected`)
	}
	if cfg.Allocator == nil {
		panic(`kernel: Config.Allocator must not be nil`)
	}
	cfg = cfg.withDefaults()

	tbl := proc.NewTable(proc.Config{PagingPolicy: cfg.PagingPolicy, Allocator: cfg.Allocator})
	s := sched.New(tbl, sched.Config{
		Policy:            cfg.SchedPolicy,
		Quantum:           cfg.Quantum,
		FCFSQueueCapacity: cfg.FCFSQueueCapacity,
		SRTAlpha:          cfg.SRTAlpha,
	})
	bsems := sem.New(cfg.MaxBsem)

	harts := make([]*hart.Hart, cfg.NumHarts)
	for i := range harts {
		harts[i] = hart.New()
	}

	k := &Kernel{
		Config: cfg,
		Table:  tbl,
		Sched:  s,
		Bsems:  bsems,
		Harts:  harts,
	}
	k.Trap = &trap.Dispatcher{Table: tbl, Sched: s, Alloc: cfg.Allocator}

	klog.Logger.Info().
		Str(`paging`, cfg.PagingPolicy.String()).
		Str(`sched`, cfg.SchedPolicy.String()).
		Int(`num_harts`, cfg.NumHarts).
		Log(`kernel configured`)

	return k
}

// Boot allocates the init process (exempt from paging, as the source
// exempts init and the shell) and registers it with the process table and
// scheduler (spec §4.D.2 "allocated by fork/userinit", §4.E "Enqueues
// happen from userinit, fork, wakeup, and kill").
func (k *Kernel) Boot(entryPC, userStackBottom uintptr) *proc.Process {
	p := k.Table.UserInit(`init`, entryPC, userStackBottom)
	k.initPid = p.Pid()
	k.Sched.EnqueueThread(p, p.Thread(0))
	return p
}

// String reports the kernel's configuration, for boot-log / diagnostic use.
func (k *Kernel) String() string {
	return fmt.Sprintf(`kernel{paging=%s sched=%s harts=%d}`, k.Config.PagingPolicy, k.Config.SchedPolicy, len(k.Harts))
}
