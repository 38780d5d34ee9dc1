// Package page implements per-address-space paging metadata and the swap
// engine (spec §4.C): bookkeeping for resident and swapped-out user pages,
// page-fault handling, and page replacement under one of four pluggable
// policies. It is grounded directly on original_source/kernel/vm_paging.c's
// pmd_* family of functions; entries are tracked by slice index rather than
// by pointer, since Go slices reshuffle their backing array on compaction
// (SCFIFO) in a way raw-pointer aliasing in the source never had to contend
// with.
//
// Callers must serialize access themselves: per spec §5, "the caller must
// hold the owning process's lock before consulting or mutating paging
// metadata." Metadata does no internal locking.
package page

import (
	"fmt"

	"github.com/boaz23/os-xv6/internal/klog"
	"github.com/boaz23/os-xv6/vm"
)

// MaxPsycPages is the number of resident user pages a non-exempt process
// may hold at once (spec §6 capacity constant, default 16).
const MaxPsycPages = 16

// MaxTotalPages is the combined resident-plus-swapped ceiling for a
// non-exempt process (spec §6 capacity constant, default 32).
const MaxTotalPages = 32

// maxSwapPages is the swap vector's fixed length.
const maxSwapPages = MaxTotalPages - MaxPsycPages

type memEntry struct {
	va      uintptr
	present bool
	age     uint32
}

type swapEntry struct {
	va      uintptr
	present bool
}

// Metadata is one process's paging bookkeeping.
type Metadata struct {
	policy  Policy
	evict   evictor
	exempt  bool
	mem     [MaxPsycPages]memEntry
	swap    [maxSwapPages]swapEntry
	pagesInMemory int
	pagesInDisk   int
	scfifoIndex   int
	pgfaultCount  uint64
}

// New constructs empty paging metadata for the given policy. exempt marks
// an init/shell-style process that bypasses paging entirely (spec §4.C.1).
func New(policy Policy, exempt bool) *Metadata {
	m := &Metadata{policy: policy, evict: newEvictor(policy), exempt: exempt}
	for i := range m.mem {
		m.mem[i].va = ^uintptr(0)
	}
	for i := range m.swap {
		m.swap[i].va = ^uintptr(0)
	}
	return m
}

// Exempt reports whether this process bypasses paging (init, the shell).
func (m *Metadata) Exempt() bool { return m.exempt }

// PagesInMemory returns the resident-page count.
func (m *Metadata) PagesInMemory() int { return m.pagesInMemory }

// PagesInDisk returns the swapped-out page count.
func (m *Metadata) PagesInDisk() int { return m.pagesInDisk }

// PgFaultCount returns the cumulative page-fault counter.
func (m *Metadata) PgFaultCount() uint64 { return m.pgfaultCount }

// ResetPgFaultCount atomically (with respect to the caller's held process
// lock - see package doc) reads and zeroes the fault counter, implementing
// the pgfault_reset syscall named in spec §6 and supplemented in
// SPEC_FULL.md.
func (m *Metadata) ResetPgFaultCount() uint64 {
	n := m.pgfaultCount
	m.pgfaultCount = 0
	return n
}

func (m *Metadata) findMemByVA(va uintptr) int {
	for i := range m.mem {
		if m.mem[i].present && m.mem[i].va == va {
			return i
		}
	}
	return -1
}

func (m *Metadata) findSwapByVA(va uintptr) int {
	for i := range m.swap {
		if m.swap[i].present && m.swap[i].va == va {
			return i
		}
	}
	return -1
}

func (m *Metadata) findFreeMem() int {
	for i := range m.mem {
		if !m.mem[i].present {
			return i
		}
	}
	return -1
}

func (m *Metadata) findFreeSwap() int {
	for i := range m.swap {
		if !m.swap[i].present {
			return i
		}
	}
	return -1
}

func (m *Metadata) setMem(idx int, va uintptr) {
	m.mem[idx] = memEntry{va: va, present: true}
	m.pagesInMemory++
	m.evict.onInsert(m, idx)
}

func (m *Metadata) clearMem(idx int) {
	m.mem[idx] = memEntry{va: ^uintptr(0)}
	m.pagesInMemory--
}

func (m *Metadata) setSwap(idx int, va uintptr) {
	m.swap[idx] = swapEntry{va: va, present: true}
	m.pagesInDisk++
}

func (m *Metadata) clearSwap(idx int) {
	m.swap[idx] = swapEntry{va: ^uintptr(0)}
	m.pagesInDisk--
}

// RemoveVA clears whichever entry (memory or swap) currently holds va. For
// SCFIFO, removing a memory entry compacts the vector around the current
// scfifoIndex so the circular scan order is preserved. Returns an error if
// va is tracked by neither vector.
func (m *Metadata) RemoveVA(va uintptr) error {
	if idx := m.findMemByVA(va); idx >= 0 {
		m.evict.onRemove(m, idx)
		if m.policy != PolicySCFIFO {
			m.clearMem(idx)
		} else {
			m.pagesInMemory--
		}
		return nil
	}
	if idx := m.findSwapByVA(va); idx >= 0 {
		m.clearSwap(idx)
		return nil
	}
	return fmt.Errorf(`page: va %#x not tracked`, va)
}

// InsertVAToMemory reserves a memory entry for va. If memory has room, it
// takes a free entry directly; otherwise it selects an eviction candidate
// via the configured policy and swaps it out into a free swap entry first.
// Exempt processes bypass paging entirely and always succeed without
// tracking anything (spec §4.C.1, §4.C.3).
func (m *Metadata) InsertVAToMemory(pt *vm.PageTable, swapFile vm.SwapFile, alloc vm.PhysAllocator, va uintptr) error {
	if m.exempt {
		return nil
	}
	if m.pagesInMemory > MaxPsycPages {
		panic(`page: insert mpe: more than max pages in memory`)
	}

	var idx int
	if m.pagesInMemory == MaxPsycPages {
		sfe := m.findFreeSwap()
		if sfe < 0 {
			return fmt.Errorf(`page: no free swap entry - process at its page ceiling`)
		}
		victim := m.evict.pickVictim(pt, m)
		if err := m.swapOut(pt, swapFile, alloc, victim, sfe, nil); err != nil {
			return err
		}
		idx = victim
	} else {
		idx = m.findFreeMem()
		if idx < 0 {
			panic(`page: insert mpe: free mpe not found but process does not have max pages in memory`)
		}
	}

	pa, err := alloc.AllocPage()
	if err != nil {
		return fmt.Errorf(`page: no free physical page: %w`, err)
	}
	m.setMem(idx, va)
	pt.MapResident(va, pa)
	klog.Logger.Debug().Uint64(`va`, uint64(va)).Log(`page inserted into memory`)
	return nil
}

// swapOut writes the physical page backing memIdx into the swap file at
// swapIdx, flips the page-table entry to V=0,PG=1, marks the swap entry
// present, and clears the memory entry. If keepPA is non-nil, the caller
// wants the physical page kept (not freed) for reuse; its address is
// written to *keepPA instead.
func (m *Metadata) swapOut(pt *vm.PageTable, swapFile vm.SwapFile, alloc vm.PhysAllocator, memIdx, swapIdx int, keepPA *uintptr) error {
	if m.policy == PolicyNone {
		panic(`page: page swap out: no page replacement`)
	}
	if !m.mem[memIdx].present {
		panic(`page: page swap out: page not present`)
	}
	if m.swap[swapIdx].present {
		panic(`page: page swap out: swap file entry is present`)
	}

	va := m.mem[memIdx].va
	pte := pt.Lookup(va)
	if pte == nil {
		panic(`page: page swap out: pte not found`)
	}
	if !pte.Valid {
		panic(`page: page swap out: non valid pte`)
	}
	if pte.PagedOut {
		panic(`page: page swap out: paged out pte`)
	}

	pa := pte.PA
	buf := alloc.ReadPage(pa)
	if err := swapFile.WritePage(swapIdx, buf); err != nil {
		return err
	}

	m.setSwap(swapIdx, va)
	m.clearMem(memIdx)
	pt.MarkSwappedOut(va)

	if keepPA != nil {
		*keepPA = pa
	} else if alloc != nil {
		alloc.FreePage(pa)
	}
	return nil
}

// swapIn reads swapIdx from the swap file into a freshly allocated physical
// page, then either evicts memIdx to reuse its slot (when swapOut is true)
// or simply installs into the already-free memIdx. The read-before-write
// ordering matters when doSwapOut is true: the evicted page is written into
// the same swap slot, so the swapped-in page's bytes must be read first.
func (m *Metadata) swapIn(pt *vm.PageTable, swapFile vm.SwapFile, alloc vm.PhysAllocator, swapIdx, memIdx int, doSwapOut bool) error {
	if m.policy == PolicyNone {
		panic(`page: page swap in: no page replacement`)
	}
	if !m.swap[swapIdx].present {
		panic(`page: page swap in: swap file entry not present`)
	}
	if doSwapOut && !m.mem[memIdx].present {
		panic(`page: page swap in: memory page not present`)
	}
	if !doSwapOut && m.mem[memIdx].present {
		panic(`page: page swap in: memory page present`)
	}

	vaSrc := m.swap[swapIdx].va
	pte := pt.Lookup(vaSrc)
	if pte == nil {
		panic(`page: page swap in: pte not found`)
	}
	if pte.Valid {
		panic(`page: page swap in: valid pte`)
	}
	if !pte.PagedOut {
		panic(`page: page swap in: non-paged out pte`)
	}

	pa, err := alloc.AllocPage()
	if err != nil {
		return err
	}
	data, err := swapFile.ReadPage(swapIdx)
	if err != nil {
		alloc.FreePage(pa)
		return err
	}
	alloc.WritePage(pa, data)

	m.clearSwap(swapIdx)
	if doSwapOut {
		if err := m.swapOut(pt, swapFile, alloc, memIdx, swapIdx, nil); err != nil {
			m.setSwap(swapIdx, vaSrc)
			alloc.FreePage(pa)
			return err
		}
	}

	m.setMem(memIdx, vaSrc)
	pt.MarkResident(vaSrc, pa)
	return nil
}

// HandlePageFault is consulted by the trap handler on a non-present user
// page. The page-table entry must be PG=1,V=0; otherwise the fault is not
// ours and the caller should kill the process. It locates the swap entry,
// chooses an eviction target if memory is full, and swaps the page in.
func (m *Metadata) HandlePageFault(pt *vm.PageTable, swapFile vm.SwapFile, alloc vm.PhysAllocator, va uintptr) error {
	if m.exempt {
		return fmt.Errorf(`page: exempt process has no paging metadata`)
	}
	m.pgfaultCount++

	pgAddr := va &^ (vm.PageSize - 1)
	pte := pt.Lookup(va)
	if pte == nil {
		return fmt.Errorf(`page: unmapped page`)
	}
	if !pte.PagedOut || pte.Valid {
		// valid mapping or an unrelated fault (e.g. a stack guard page):
		// not ours to handle.
		return fmt.Errorf(`page: fault on a page that is not paged out`)
	}

	sfe := m.findSwapByVA(pgAddr)
	if sfe < 0 {
		panic(`page: paged out page's swap file entry not found`)
	}

	var memIdx int
	var doSwapOut bool
	if m.pagesInMemory < MaxPsycPages {
		memIdx = m.findFreeMem()
		doSwapOut = false
	} else {
		memIdx = m.evict.pickVictim(pt, m)
		doSwapOut = true
	}

	return m.swapIn(pt, swapFile, alloc, sfe, memIdx, doSwapOut)
}

// OnTick runs the policy's per-clock-tick bookkeeping (NFUA/LAPA age decay;
// a no-op for SCFIFO/NONE).
func (m *Metadata) OnTick(pt *vm.PageTable) {
	m.evict.onTick(pt, m)
}

// ForkChild builds the child's paging metadata by calling the equivalent of
// InsertVAToMemory for each of the parent's memory entries, then copying
// the parent's swapped pages byte-for-byte into the child's own swap file
// at matching offsets (spec §4.C.3 "On fork"). It returns a partially
// populated child on error; callers must free the child process on failure.
func (m *Metadata) ForkChild(childPT *vm.PageTable, parentSwap, childSwap vm.SwapFile, alloc vm.PhysAllocator) (*Metadata, error) {
	child := New(m.policy, m.exempt)
	if m.exempt {
		return child, nil
	}
	for i := range m.mem {
		if m.mem[i].present {
			if err := child.InsertVAToMemory(childPT, childSwap, alloc, m.mem[i].va); err != nil {
				return child, fmt.Errorf(`page: fork: %w`, err)
			}
		}
	}
	for i := range m.swap {
		if !m.swap[i].present {
			continue
		}
		data, err := parentSwap.ReadPage(i)
		if err != nil {
			return child, fmt.Errorf(`page: fork: copying swap file: %w`, err)
		}
		if err := childSwap.WritePage(i, data); err != nil {
			return child, fmt.Errorf(`page: fork: copying swap file: %w`, err)
		}
		child.setSwap(i, m.swap[i].va)
	}
	return child, nil
}

// Truncate empties the swap file and clears both the memory and swap
// vectors, used on exec (spec §4.C.3).
func (m *Metadata) Truncate(swapFile vm.SwapFile) {
	swapFile.Truncate()
	for i := range m.swap {
		m.swap[i] = swapEntry{va: ^uintptr(0)}
	}
	m.pagesInDisk = 0
	for i := range m.mem {
		m.mem[i] = memEntry{va: ^uintptr(0)}
	}
	m.pagesInMemory = 0
	m.scfifoIndex = 0
}
