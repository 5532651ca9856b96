// Package frame implements the physical frame allocator of §4.1: a
// classical per-region buddy allocator handing out page-count-exact,
// physically contiguous blocks. The region type mirrors the teacher's
// vm.PhysicalMemory -- a fixed backing extent guarded by its own lock --
// generalized from one fixed-size array to an arbitrary base address and
// page count, and from a flat array of words to a buddy free-list index.
package frame

import (
	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
)

// PageSize is the size, in bytes, of one physical page. The spec does not
// mandate a value; 4KiB matches every architecture anillo-os targets
// (x86_64, aarch64).
const PageSize = 4096

// MaxOrder is the highest buddy order a region supports: a block of order k
// spans 2^k pages, so order 32 caps a single block at 2^32 pages -- far
// larger than any region this allocator will ever back, but it bounds the
// free-list array size the same way the spec's invariant states it
// ("per-order free-block lists (orders 0..32)").
const MaxOrder = 32

// Address is a physical address, one unit of frame.PageSize granularity
// apart from its neighbors.
type Address uint64

// Region is a contiguous physical range managed by one buddy allocator.
// Every page in the region is, at all times, either linked into exactly
// one free-list bucket or marked used in the bitmap (§3 "Frame region").
type Region struct {
	lock isync.Spinlock

	base      Address
	pageCount uint64

	free [MaxOrder + 1][]Address // free[k] holds the base addresses of free order-k blocks
	used map[Address]uint8       // base address -> order, for allocated blocks only

	log *log.Logger
}

// NewRegion creates a buddy allocator over the page addresses
// [base, base+pageCount).
// pageCount need not be a power of two: NewRegion splits the region into
// the largest aligned power-of-two blocks that fit, same as a real
// physical-memory-map entry of arbitrary size.
func NewRegion(base Address, pageCount uint64, logger *log.Logger) *Region {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	r := &Region{
		base:      base,
		pageCount: pageCount,
		used:      make(map[Address]uint8),
		log:       logger,
	}

	addr := base

	remaining := pageCount
	for remaining > 0 {
		order := largestAlignedOrder(addr, remaining)
		r.free[order] = append(r.free[order], addr)
		addr += Address(1 << order)
		remaining -= 1 << order
	}

	return r
}

// largestAlignedOrder returns the largest order k such that a 2^k-page
// block based at addr (i) is aligned to 2^k pages and (ii) fits within
// remaining pages.
func largestAlignedOrder(addr Address, remaining uint64) uint8 {
	order := uint8(0)

	for order < MaxOrder {
		next := order + 1
		size := uint64(1) << next

		if size > remaining {
			break
		}

		if uint64(addr)%size != 0 {
			break
		}

		order = next
	}

	return order
}

func pageCountOrder(pageCount uint64) uint8 {
	order := uint8(0)
	size := uint64(1)

	for size < pageCount {
		size <<= 1
		order++
	}

	return order
}

// Allocate hands out a physically contiguous, page-count-exact block. The
// block's base address is a multiple of 2^alignmentPower pages. It returns
// errs.TemporaryOutage if no region bucket (after splitting) can satisfy
// the request, or errs.InvalidArgument if pageCount is zero.
func (r *Region) Allocate(pageCount uint64, alignmentPower uint8) (Address, error) {
	if pageCount == 0 {
		return 0, errs.New(errs.InvalidArgument, "frame.allocate")
	}

	order := pageCountOrder(pageCount)
	if order > MaxOrder {
		return 0, errs.New(errs.TooBig, "frame.allocate")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	k, ok := r.findAlignedBucket(order, alignmentPower)
	if !ok {
		return 0, errs.New(errs.TemporaryOutage, "frame.allocate")
	}

	addr := r.popFree(k, alignmentPower)
	r.splitDown(addr, k, order)

	r.used[addr] = order

	return addr, nil
}

// findAlignedBucket returns the smallest non-empty bucket >= minOrder that
// has a block satisfying the alignment requirement.
func (r *Region) findAlignedBucket(minOrder, alignmentPower uint8) (uint8, bool) {
	align := uint64(1) << alignmentPower

	for k := minOrder; k <= MaxOrder; k++ {
		for _, addr := range r.free[k] {
			if uint64(addr)%align == 0 {
				return k, true
			}
		}
	}

	return 0, false
}

// popFree removes and returns an aligned-enough block from bucket k. It
// assumes the caller already confirmed one exists via findAlignedBucket and
// re-scans for simplicity; regions are small enough in practice that this
// is not a hot path.
func (r *Region) popFree(k, alignmentPower uint8) Address {
	align := uint64(1) << alignmentPower
	blocks := r.free[k]

	for i := len(blocks) - 1; i >= 0; i-- {
		if addr := blocks[i]; uint64(addr)%align == 0 {
			r.free[k] = append(blocks[:i], blocks[i+1:]...)
			return addr
		}
	}

	return 0
}

func (r *Region) removeFree(k uint8, addr Address) bool {
	blocks := r.free[k]

	for i, a := range blocks {
		if a == addr {
			r.free[k] = append(blocks[:i], blocks[i+1:]...)
			return true
		}
	}

	return false
}

func (r *Region) pushFree(k uint8, addr Address) {
	r.free[k] = append(r.free[k], addr)
}

// splitDown splits a block of order k down to order target, pushing each
// unused half onto the appropriate bucket.
func (r *Region) splitDown(addr Address, k, target uint8) {
	for k > target {
		k--
		buddy := addr + Address(uint64(1)<<k)
		r.pushFree(k, buddy)
	}
}

// Free returns a previously allocated block to the region, coalescing with
// its buddy repeatedly while the buddy is also free. It returns
// errs.InvalidArgument if the address was not allocated by this region, or
// if pageCount does not round up to the same power of two as the
// allocation did.
func (r *Region) Free(addr Address, pageCount uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	order, ok := r.used[addr]
	if !ok {
		return errs.New(errs.InvalidArgument, "frame.free")
	}

	if uint64(1)<<order != pageCountOrder2(pageCount) {
		return errs.New(errs.InvalidArgument, "frame.free")
	}

	delete(r.used, addr)

	for order < MaxOrder {
		buddy := addr ^ Address(uint64(1)<<order)

		if !r.removeFree(order, buddy) {
			break
		}

		if buddy < addr {
			addr = buddy
		}

		order++
	}

	r.pushFree(order, addr)

	return nil
}

// pageCountOrder2 rounds pageCount up to the next power of two, the way
// Allocate does, so Free can sanity-check the caller's accounting without
// storing the original (unrounded) request size.
func pageCountOrder2(pageCount uint64) uint64 {
	size := uint64(1)
	for size < pageCount {
		size <<= 1
	}

	return size
}

// PageCount reports the region's total page count, for diagnostics.
func (r *Region) PageCount() uint64 { return r.pageCount }

// Base reports the region's base address.
func (r *Region) Base() Address { return r.base }
