package vmm

import (
	"sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/frame"
)

// Portion is one physically contiguous slice of a Mapping (§3 "Mapping
// portion"). It either owns a physical frame run or borrows from another
// mapping at an offset; exactly one of the two is meaningful, selected by
// backingShared.
type Portion struct {
	id PortionID

	backingShared bool

	// Allocated backing.
	physStart frame.Address

	// Shared backing: an indirection through the arena, not a pointer,
	// per the cyclic-structure note in §9.
	backingMapping MappingID
	backingOffset  uint64

	pageCount  uint64
	virtOffset uint64 // offset within the parent mapping, in pages
	flags      Flags

	refcount atomic.Int64

	region *frame.Region // nil for shared-backing portions
	arena  *Arena
}

// newAllocatedPortion creates a portion owning pageCount frames freshly
// taken from region, aligned to alignmentPower.
func newAllocatedPortion(arena *Arena, region *frame.Region, virtOffset, pageCount uint64, alignmentPower uint8, flags Flags) (*Portion, error) {
	addr, err := region.Allocate(pageCount, alignmentPower)
	if err != nil {
		return nil, err
	}

	p := &Portion{
		physStart:  addr,
		pageCount:  pageCount,
		virtOffset: virtOffset,
		flags:      flags,
		region:     region,
		arena:      arena,
	}
	p.refcount.Store(1)
	p.id = arena.registerPortion(p)

	return p, nil
}

// newSharedPortion creates a portion that borrows pageCount pages starting
// at backingOffset within the mapping identified by backing.
func newSharedPortion(arena *Arena, backing MappingID, backingOffset, virtOffset, pageCount uint64, flags Flags) *Portion {
	p := &Portion{
		backingShared:  true,
		backingMapping: backing,
		backingOffset:  backingOffset,
		pageCount:      pageCount,
		virtOffset:     virtOffset,
		flags:          flags,
		arena:          arena,
	}
	p.refcount.Store(1)
	p.id = arena.registerPortion(p)

	return p
}

// ID returns the portion's arena identifier.
func (p *Portion) ID() PortionID { return p.id }

// Shared reports whether this portion borrows from another mapping.
func (p *Portion) Shared() bool { return p.backingShared }

// PageCount reports the portion's length in pages.
func (p *Portion) PageCount() uint64 { return p.pageCount }

// VirtOffset reports the portion's offset within its parent mapping, in
// pages.
func (p *Portion) VirtOffset() uint64 { return p.virtOffset }

// Flags reports the portion's flags.
func (p *Portion) Flags() Flags { return p.flags }

// Retain increments the portion's reference count, e.g. when a mapping
// that references it is installed into another address space.
func (p *Portion) Retain() { p.refcount.Add(1) }

// Release decrements the portion's reference count. When it reaches zero,
// an allocated portion frees its owned frames; a shared portion releases
// its reference on the backing mapping instead.
func (p *Portion) Release() {
	if p.refcount.Add(-1) > 0 {
		return
	}

	p.arena.forgetPortion(p.id)

	if p.backingShared {
		if backing := p.arena.Mapping(p.backingMapping); backing != nil {
			backing.Release()
		}

		return
	}

	_ = p.region.Free(p.physStart, p.pageCount)
}

// PhysicalAddress returns the physical start address backing this portion,
// following shared-backing indirection through each backing mapping. Callers
// outside this package that hold a *Portion (e.g. from InsertAllocated) use
// this instead of reaching into the owning Mapping.
func (p *Portion) PhysicalAddress() (frame.Address, error) {
	return p.resolvePhysical()
}

// resolvePhysical follows shared-backing indirection and returns the
// physical start address plus page offset a caller should read/write at.
// Nested sharing is not flattened when a portion is inserted, so a chain
// of shared portions is followed through backing.translate one mapping at
// a time.
func (p *Portion) resolvePhysical() (frame.Address, error) {
	if !p.backingShared {
		return p.physStart, nil
	}

	backing := p.arena.Mapping(p.backingMapping)
	if backing == nil {
		return 0, outage(errs.NoSuchResource, "portion.resolve")
	}

	target, _, err := backing.translate(p.backingOffset)
	if err != nil {
		return 0, err
	}

	return target, nil
}
