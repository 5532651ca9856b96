package vmm

import (
	"sort"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
	"github.com/anillo-os/anillo/internal/waitq"
)

// freeBlock is one entry of the virtual allocator's sorted free list. Per
// §4.2 / §9(b), a tree would also satisfy the spec; a sorted slice is
// chosen here because every operation it needs (lowest-address-first pick,
// adjacent-block coalescing) is a handful of lines against a slice and the
// teacher favors small concrete types over generic containers throughout.
type freeBlock struct {
	addr  uint64
	pages uint64
}

// SpaceMapping binds a Mapping into an AddressSpace at a virtual address,
// per §3.
type SpaceMapping struct {
	Mapping    *Mapping
	VirtAddr   uint64
	PageOffset uint64
	PageCount  uint64
	Perms      Flags
}

// AddressSpace is one process's virtual-range allocator plus the list of
// mappings installed into it (§4.2). It has no real page table -- no
// kernel core test can touch hardware -- so table edits are delegated to a
// PageTableOps implementation, the external collaborator named in §6.
type AddressSpace struct {
	lock isync.Spinlock

	start, pageCount uint64
	free             []freeBlock

	mappings []SpaceMapping

	active   map[int]*isync.CPU // CPUs this space is currently installed on
	ptops    PageTableOps
	rootAddr uint64

	destroyWait *waitq.WaitQueue

	log *log.Logger
}

// PageTableOps is the per-architecture page-table-entry constructor and
// TLB-invalidation interface consumed from hardware/firmware (§6). A
// no-op implementation is provided for simulation and tests.
type PageTableOps interface {
	Map(space *AddressSpace, virt uint64, phys uint64, pageCount uint64, perms Flags) error
	Unmap(space *AddressSpace, virt uint64, pageCount uint64) error
	InvalidateLocal(virt uint64, pageCount uint64)
}

// NullPageTableOps discards every table edit and invalidation. It is the
// default when no architecture backend is wired in (e.g. in unit tests
// that only exercise the allocator and bookkeeping).
type NullPageTableOps struct{}

func (NullPageTableOps) Map(*AddressSpace, uint64, uint64, uint64, Flags) error { return nil }
func (NullPageTableOps) Unmap(*AddressSpace, uint64, uint64) error              { return nil }
func (NullPageTableOps) InvalidateLocal(uint64, uint64)                        {}

// NewAddressSpace creates an address space covering [start, start+pageCount)
// virtual pages.
func NewAddressSpace(start, pageCount uint64, ptops PageTableOps, logger *log.Logger) *AddressSpace {
	if ptops == nil {
		ptops = NullPageTableOps{}
	}

	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &AddressSpace{
		start:       start,
		pageCount:   pageCount,
		free:        []freeBlock{{addr: start, pages: pageCount}},
		active:      make(map[int]*isync.CPU),
		ptops:       ptops,
		destroyWait: waitq.New(logger),
		log:         logger,
	}
}

// AllocateVirtual reserves pageCount virtual pages aligned to
// 2^alignmentPower pages, picking the lowest-address free block that fits
// (§4.2).
func (s *AddressSpace) AllocateVirtual(pageCount uint64, alignmentPower uint8) (uint64, error) {
	if pageCount == 0 {
		return 0, errs.New(errs.InvalidArgument, "vmm.allocate_virtual")
	}

	align := uint64(1) << alignmentPower

	s.lock.Lock()
	defer s.lock.Unlock()

	for i, b := range s.free {
		alignedStart := alignUp(b.addr, align)
		pad := alignedStart - b.addr

		if pad+pageCount > b.pages {
			continue
		}

		s.consumeBlock(i, pad, pageCount)

		return alignedStart, nil
	}

	return 0, errs.New(errs.TemporaryOutage, "vmm.allocate_virtual")
}

func alignUp(addr, align uint64) uint64 {
	if align <= 1 {
		return addr
	}

	rem := addr % align
	if rem == 0 {
		return addr
	}

	return addr + (align - rem)
}

// consumeBlock removes [b.addr+pad, b.addr+pad+pageCount) from free block
// i, leaving behind whichever of the leading/trailing remainders are
// non-empty.
func (s *AddressSpace) consumeBlock(i int, pad, pageCount uint64) {
	b := s.free[i]
	s.free = append(s.free[:i], s.free[i+1:]...)

	if pad > 0 {
		s.free = append(s.free, freeBlock{addr: b.addr, pages: pad})
	}

	trailing := b.pages - pad - pageCount
	if trailing > 0 {
		s.free = append(s.free, freeBlock{addr: b.addr + pad + pageCount, pages: trailing})
	}

	sort.Slice(s.free, func(i, j int) bool { return s.free[i].addr < s.free[j].addr })
}

// FreeVirtual releases a prior reservation at virtAddr back to the free
// list, coalescing with adjacent blocks.
func (s *AddressSpace) FreeVirtual(virtAddr uint64, pageCount uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.free = append(s.free, freeBlock{addr: virtAddr, pages: pageCount})
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].addr < s.free[j].addr })

	coalesced := s.free[:0]

	for _, b := range s.free {
		if len(coalesced) > 0 {
			last := &coalesced[len(coalesced)-1]
			if last.addr+last.pages == b.addr {
				last.pages += b.pages
				continue
			}
		}

		coalesced = append(coalesced, b)
	}

	s.free = coalesced
}

// InsertMapping installs mapping at hintVirtAddr with the given
// permissions and returns that address. The hint is used as given, zero
// included: InsertMapping does not pick an address itself and does not
// reserve the range in the virtual allocator. overlapOK controls whether an
// overlapping existing space mapping is tolerated; if it is not and one is
// found, InsertMapping returns errs.AlreadyInProgress without changing
// state (§4.2, scenario S4).
func (s *AddressSpace) InsertMapping(mapping *Mapping, pageOffset, pageCount uint64, perms Flags, hintVirtAddr uint64, overlapOK bool) (uint64, error) {
	if pageOffset+pageCount > mapping.PageCount() || !mapping.Complete() {
		return 0, errs.New(errs.InvalidArgument, "vmm.insert_mapping")
	}

	s.lock.Lock()

	virtAddr := hintVirtAddr

	if !overlapOK {
		for _, sm := range s.mappings {
			if rangesOverlap(virtAddr, pageCount, sm.VirtAddr, sm.PageCount) {
				s.lock.Unlock()
				return 0, errs.New(errs.AlreadyInProgress, "vmm.insert_mapping")
			}
		}
	}

	mapping.freeze()

	windowed := portionsInWindow(mapping.Portions(), pageOffset, pageCount)

	for _, p := range windowed {
		p.Retain()
	}

	s.mappings = append(s.mappings, SpaceMapping{
		Mapping:    mapping,
		VirtAddr:   virtAddr,
		PageOffset: pageOffset,
		PageCount:  pageCount,
		Perms:      perms,
	})

	s.lock.Unlock()

	for _, p := range windowed {
		phys, err := p.resolvePhysical()
		if err == nil {
			pageVirt := virtAddr + (p.virtOffset - pageOffset)
			_ = s.ptops.Map(s, pageVirt, uint64(phys), p.pageCount, perms)
		}
	}

	return virtAddr, nil
}

// portionsInWindow returns the portions of a mapping's portion list that
// lie entirely within [pageOffset, pageOffset+pageCount), the slice of the
// mapping one particular SpaceMapping installs. A portion straddling a
// window edge is skipped rather than split; callers that need sub-portion
// windowing should size their portions to match their intended install
// windows up front.
func portionsInWindow(portions []*Portion, pageOffset, pageCount uint64) []*Portion {
	end := pageOffset + pageCount

	out := make([]*Portion, 0, len(portions))

	for _, p := range portions {
		if p.virtOffset >= pageOffset && p.virtOffset+p.pageCount <= end {
			out = append(out, p)
		}
	}

	return out
}

func rangesOverlap(aStart, aLen, bStart, bLen uint64) bool {
	if aLen == 0 || bLen == 0 {
		return false
	}

	return aStart < bStart+bLen && bStart < aStart+aLen
}

// RemoveMapping detaches the space mapping installed at virtAddr and
// releases one reference on its Mapping, broadcasting a TLB shootdown to
// every CPU this space is currently active on.
func (s *AddressSpace) RemoveMapping(virtAddr uint64) error {
	s.lock.Lock()

	idx := -1

	for i, sm := range s.mappings {
		if sm.VirtAddr == virtAddr {
			idx = i
			break
		}
	}

	if idx < 0 {
		s.lock.Unlock()
		return errs.New(errs.NoSuchResource, "vmm.remove_mapping")
	}

	sm := s.mappings[idx]
	s.mappings = append(s.mappings[:idx], s.mappings[idx+1:]...)

	cpus := make([]*isync.CPU, 0, len(s.active))
	for _, c := range s.active {
		cpus = append(cpus, c)
	}

	s.lock.Unlock()

	_ = s.ptops.Unmap(s, virtAddr, sm.PageCount)
	s.shootdown(cpus, virtAddr, sm.PageCount)

	for _, p := range portionsInWindow(sm.Mapping.Portions(), sm.PageOffset, sm.PageCount) {
		p.Release()
	}

	sm.Mapping.Release()

	return nil
}

// shootdown enqueues an invalidation work item on every CPU in cpus; it
// does no invalidation of its own. A spinning IntSpinlock on any of those CPUs will
// drain and run it (§4.2 "TLB coherence").
func (s *AddressSpace) shootdown(cpus []*isync.CPU, virtAddr, pageCount uint64) {
	for _, c := range cpus {
		c := c
		c.Enqueue(func() { s.ptops.InvalidateLocal(virtAddr, pageCount) })
	}
}

// Lookup finds the mapping and permissions installed at virtAddr.
func (s *AddressSpace) Lookup(virtAddr uint64) (*Mapping, uint64, Flags, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, sm := range s.mappings {
		if virtAddr >= sm.VirtAddr && virtAddr < sm.VirtAddr+sm.PageCount {
			offset := sm.PageOffset + (virtAddr - sm.VirtAddr)
			return sm.Mapping, offset, sm.Perms, nil
		}
	}

	return nil, 0, 0, errs.New(errs.NoSuchResource, "vmm.lookup")
}

// Activate installs the space on cpu's MMU.
func (s *AddressSpace) Activate(cpu *isync.CPU) {
	s.lock.Lock()
	s.active[cpu.ID()] = cpu
	s.lock.Unlock()
}

// Deactivate removes the space from cpu's MMU.
func (s *AddressSpace) Deactivate(cpu *isync.CPU) {
	s.lock.Lock()
	delete(s.active, cpu.ID())
	s.lock.Unlock()
}

// Destroy releases every installed mapping and wakes destroyWait, the
// waiters blocked on this address space's teardown.
func (s *AddressSpace) Destroy() {
	s.lock.Lock()
	mappings := s.mappings
	s.mappings = nil
	s.lock.Unlock()

	for _, sm := range mappings {
		for _, p := range portionsInWindow(sm.Mapping.Portions(), sm.PageOffset, sm.PageCount) {
			p.Release()
		}

		sm.Mapping.Release()
	}

	s.destroyWait.WakeN(-1)
}

// DestroyWait is the wait queue fired when the address space is about to
// be freed.
func (s *AddressSpace) DestroyWait() *waitq.WaitQueue { return s.destroyWait }
