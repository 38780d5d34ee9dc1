package page

import "github.com/boaz23/os-xv6/vm"

// Policy names one of the four build-time page-replacement policies (spec
// §4.C, §6 "Build-time configuration switches").
type Policy int

const (
	PolicyNFUA Policy = iota
	PolicyLAPA
	PolicySCFIFO
	PolicyNone
)

func (p Policy) String() string {
	switch p {
	case PolicyNFUA:
		return `NFUA`
	case PolicyLAPA:
		return `LAPA`
	case PolicySCFIFO:
		return `SCFIFO`
	case PolicyNone:
		return `NONE`
	default:
		return `unknown`
	}
}

// evictor is the narrow capability interface each paging policy satisfies
// (spec Design Note "Policy selection"): pick_victim, on_tick, on_insert,
// on_remove. Chosen once at Metadata construction time.
type evictor interface {
	// pickVictim selects the memory-entry index to evict. All entries must
	// be present; callers only invoke this when the memory vector is full.
	pickVictim(pt *vm.PageTable, m *Metadata) int
	// onTick updates age/access bookkeeping for every resident page; called
	// once per clock tick.
	onTick(pt *vm.PageTable, m *Metadata)
	// onInsert is notified when a memory entry is freshly populated, so
	// per-policy age state can be reset.
	onInsert(m *Metadata, idx int)
	// onRemove is notified when a memory entry is being cleared directly
	// (not via eviction), so SCFIFO can compact its circular vector.
	onRemove(m *Metadata, idx int)
}

// noneEvictor backs PolicyNone: page replacement is disabled entirely, so
// any attempt to pick a victim indicates the memory ceiling was reached
// without an eviction path configured, which is a kernel misconfiguration.
type noneEvictor struct{}

func (noneEvictor) pickVictim(*vm.PageTable, *Metadata) int {
	panic(`page: no page replacement - policy is NONE`)
}
func (noneEvictor) onTick(*vm.PageTable, *Metadata) {}
func (noneEvictor) onInsert(*Metadata, int)         {}
func (noneEvictor) onRemove(*Metadata, int)         {}

// nfuaEvictor implements numeric aging: each resident page carries an age
// word, right-shifted each tick with the Accessed bit folded into its top
// bit. Eviction selects the lowest numeric age, ties broken toward the
// later entry (spec §4.C.2 "NFUA").
type nfuaEvictor struct{}

func (nfuaEvictor) pickVictim(_ *vm.PageTable, m *Metadata) int {
	min := 0
	for i := 1; i < len(m.mem); i++ {
		if !m.mem[i].present {
			panic(`page: swap page candidate selection: mpe not present`)
		}
		if m.mem[min].age >= m.mem[i].age {
			min = i
		}
	}
	return min
}

func (nfuaEvictor) onTick(pt *vm.PageTable, m *Metadata) {
	for i := range m.mem {
		if !m.mem[i].present {
			continue
		}
		pte := pt.Lookup(m.mem[i].va)
		if pte == nil {
			panic(`page: paging metadata update stats: PTE not found`)
		}
		m.mem[i].age >>= 1
		if pte.Accessed {
			m.mem[i].age |= ageMSB
			pte.Accessed = false
		}
	}
}

func (nfuaEvictor) onInsert(m *Metadata, idx int) { m.mem[idx].age = 0 }
func (nfuaEvictor) onRemove(*Metadata, int)       {}

// ageMSB is the top bit of the age word folded in on each tick the
// Accessed bit was observed set.
const ageMSB uint32 = 1 << 31

// lapaEvictor implements least-accessed-page-aging: same accounting as
// NFUA, eviction selects the fewest set bits in age, ties broken by lowest
// numeric age (spec §4.C.2 "LAPA").
type lapaEvictor struct{ nfuaEvictor }

func (lapaEvictor) pickVictim(_ *vm.PageTable, m *Metadata) int {
	min := 0
	minBits := bits(m.mem[min].age)
	for i := 1; i < len(m.mem); i++ {
		if !m.mem[i].present {
			panic(`page: swap page candidate selection: mpe not present`)
		}
		b := bits(m.mem[i].age)
		switch {
		case b < minBits:
			minBits, min = b, i
		case b == minBits && m.mem[min].age >= m.mem[i].age:
			min = i
		}
	}
	return min
}

func bits(n uint32) int {
	c := 0
	for n != 0 {
		c += int(n & 1)
		n >>= 1
	}
	return c
}

// scfifoEvictor implements second-chance FIFO: pages form a circular queue
// anchored at scfifoIndex; eviction scans forward, clearing the Accessed
// bit of any page it passes and evicting the first page it finds with the
// bit already clear (spec §4.C.2 "SCFIFO").
type scfifoEvictor struct{}

func (scfifoEvictor) pickVictim(pt *vm.PageTable, m *Metadata) int {
	n := len(m.mem)
	i := m.scfifoIndex
	for {
		if !m.mem[i].present {
			panic(`page: swap page candidate selection: mpe not present`)
		}
		pte := pt.Lookup(m.mem[i].va)
		if pte == nil {
			panic(`page: swap page candidate selection SCFIFO: PTE not found`)
		}
		if !pte.Accessed {
			break
		}
		pte.Accessed = false
		i = (i + 1) % n
		if i == m.scfifoIndex {
			break
		}
	}
	m.scfifoIndex = (i + 1) % n
	return i
}

func (scfifoEvictor) onTick(*vm.PageTable, *Metadata) {}
func (scfifoEvictor) onInsert(*Metadata, int)         {}

// onRemove compacts the memory vector around the current scfifoIndex so the
// circular scan order survives removal of an arbitrary (non-anchor) entry,
// mirroring compress_memoryPageMetaData.
func (scfifoEvictor) onRemove(m *Metadata, idx int) {
	n := len(m.mem)
	compacted := make([]memEntry, 0, n)
	i := m.scfifoIndex
	for {
		if i != idx {
			compacted = append(compacted, m.mem[i])
		}
		i = (i + 1) % n
		if i == m.scfifoIndex {
			break
		}
	}
	for i := range m.mem {
		if i < len(compacted) {
			m.mem[i] = compacted[i]
		} else {
			m.mem[i] = memEntry{}
		}
	}
	m.scfifoIndex = 0
}

func newEvictor(p Policy) evictor {
	switch p {
	case PolicyNFUA:
		return nfuaEvictor{}
	case PolicyLAPA:
		return lapaEvictor{}
	case PolicySCFIFO:
		return scfifoEvictor{}
	case PolicyNone:
		return noneEvictor{}
	default:
		panic(`page: unknown policy`)
	}
}
