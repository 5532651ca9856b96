package vmm

import (
	"sort"
	"sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/frame"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
)

// Mapping is a shareable, reference-counted sequence of virtual pages built
// from Portions (§3 "Mapping"). A mapping's length is fixed at creation;
// its portion list may only grow, via InsertAllocated or InsertShared, until the mapping is
// first installed into an address space, after which it is frozen.
type Mapping struct {
	id MappingID

	lock isync.Spinlock

	pageCount uint64
	flags     Flags

	portions []*Portion
	frozen   bool

	refcount atomic.Int64

	arena  *Arena
	region *frame.Region

	log *log.Logger
}

// New creates an empty mapping of pageCount pages. Portions must be added
// with InsertAllocated or InsertShared before the mapping covers its full length; an attempt
// to install an incomplete mapping into an address space fails.
func New(arena *Arena, region *frame.Region, pageCount uint64, flags Flags, logger *log.Logger) (*Mapping, error) {
	if pageCount == 0 || pageCount > MaxPageCount {
		return nil, errs.New(errs.InvalidArgument, "mapping.new")
	}

	if logger == nil {
		logger = log.DefaultLogger()
	}

	m := &Mapping{
		pageCount: pageCount,
		flags:     flags,
		arena:     arena,
		region:    region,
		log:       logger,
	}
	m.refcount.Store(1)
	m.id = arena.registerMapping(m)

	return m, nil
}

func (m *Mapping) ID() MappingID     { return m.id }
func (m *Mapping) PageCount() uint64 { return m.pageCount }
func (m *Mapping) Flags() Flags      { return m.flags }

// Retain increments the mapping's reference count.
func (m *Mapping) Retain() { m.refcount.Add(1) }

// Release decrements the mapping's reference count. At zero, every portion
// is released and the mapping is forgotten by its arena.
func (m *Mapping) Release() {
	if m.refcount.Add(-1) > 0 {
		return
	}

	m.lock.Lock()
	portions := m.portions
	m.portions = nil
	m.lock.Unlock()

	for _, p := range portions {
		p.Release()
	}

	m.arena.forgetMapping(m.id)
}

// InsertAllocated adds a portion that owns pageCount freshly allocated
// frames at virtual offset pageOffset within the mapping.
func (m *Mapping) InsertAllocated(pageOffset, pageCount uint64, alignmentPower uint8, flags Flags) (*Portion, error) {
	p, err := newAllocatedPortion(m.arena, m.region, pageOffset, pageCount, alignmentPower, flags)
	if err != nil {
		return nil, err
	}

	if err := m.insertPortion(p); err != nil {
		p.Release()
		return nil, err
	}

	return p, nil
}

// InsertShared adds a portion that borrows pageCount pages from backing,
// starting at backingOffset, installed at virtual offset pageOffset within
// this mapping. backing is retained for the lifetime of the new portion.
func (m *Mapping) InsertShared(pageOffset uint64, backing *Mapping, backingOffset, pageCount uint64, flags Flags) (*Portion, error) {
	backing.Retain()

	p := newSharedPortion(m.arena, backing.id, backingOffset, pageOffset, pageCount, flags)

	if err := m.insertPortion(p); err != nil {
		p.Release()
		return nil, err
	}

	return p, nil
}

// insertPortion enforces the ordering invariant of §3: portion offsets are
// strictly increasing and non-overlapping, and every insert happens before
// the mapping is frozen by first activation.
func (m *Mapping) insertPortion(p *Portion) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.frozen {
		return errs.New(errs.AlreadyInProgress, "mapping.insert_portion")
	}

	if p.virtOffset+p.pageCount > m.pageCount {
		return errs.New(errs.InvalidArgument, "mapping.insert_portion")
	}

	idx := sort.Search(len(m.portions), func(i int) bool {
		return m.portions[i].virtOffset >= p.virtOffset
	})

	if idx > 0 {
		prev := m.portions[idx-1]
		if prev.virtOffset+prev.pageCount > p.virtOffset {
			return errs.New(errs.AlreadyInProgress, "mapping.insert_portion")
		}
	}

	if idx < len(m.portions) {
		next := m.portions[idx]
		if p.virtOffset+p.pageCount > next.virtOffset {
			return errs.New(errs.AlreadyInProgress, "mapping.insert_portion")
		}
	}

	m.portions = append(m.portions, nil)
	copy(m.portions[idx+1:], m.portions[idx:])
	m.portions[idx] = p

	return nil
}

// freeze marks the mapping's portion list immutable; called the first time
// the mapping is installed into any address space (§4.3).
func (m *Mapping) freeze() {
	m.lock.Lock()
	m.frozen = true
	m.lock.Unlock()
}

// Complete reports whether the portion list's union covers [0,
// pageCount), the invariant §3 and §8 require before a mapping can be
// installed.
func (m *Mapping) Complete() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	var cursor uint64

	for _, p := range m.portions {
		if p.virtOffset != cursor {
			return false
		}

		cursor += p.pageCount
	}

	return cursor == m.pageCount
}

// translate resolves the physical address backing the page at pageOffset
// within this mapping.
func (m *Mapping) translate(pageOffset uint64) (frame.Address, Flags, error) {
	m.lock.Lock()
	portions := m.portions
	m.lock.Unlock()

	idx := sort.Search(len(portions), func(i int) bool {
		return portions[i].virtOffset+portions[i].pageCount > pageOffset
	})

	if idx >= len(portions) || portions[idx].virtOffset > pageOffset {
		return 0, 0, errs.New(errs.NoSuchResource, "mapping.translate")
	}

	p := portions[idx]

	base, err := p.resolvePhysical()
	if err != nil {
		return 0, 0, err
	}

	withinPortion := pageOffset - p.virtOffset
	if p.backingShared {
		// One level of indirection was already folded into base by
		// resolvePhysical, so withinPortion still applies on top of
		// the backing mapping's own portion base.
		return base + frame.Address(withinPortion), p.flags, nil
	}

	return base + frame.Address(withinPortion), p.flags, nil
}

// Portions returns a snapshot of the mapping's portion list, ordered by
// offset.
func (m *Mapping) Portions() []*Portion {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make([]*Portion, len(m.portions))
	copy(out, m.portions)

	return out
}
