package vmm_test

import (
	"testing"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/frame"
	isync "github.com/anillo-os/anillo/internal/sync"
	"github.com/anillo-os/anillo/internal/vmm"
)

func kindOf(err error) errs.Kind {
	if err == nil {
		return errs.OK
	}

	return errs.KindOf(err)
}

func newTestMapping(t *testing.T, region *frame.Region, pageCount uint64) *vmm.Mapping {
	t.Helper()

	var lock isync.Spinlock

	arena := vmm.NewArena(&lock, nil)

	m, err := vmm.New(arena, region, pageCount, vmm.FlagRead|vmm.FlagWrite, nil)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}

	if _, err := m.InsertAllocated(0, pageCount, 0, vmm.FlagRead|vmm.FlagWrite); err != nil {
		t.Fatalf("InsertAllocated: %v", err)
	}

	return m
}

// TestScenarioS4RejectsOverlapWithoutStateChange is scenario S4: inserting
// an overlapping mapping without overlapOK fails with AlreadyInProgress and
// leaves the address space's existing mapping untouched.
func TestScenarioS4RejectsOverlapWithoutStateChange(t *testing.T) {
	region := frame.NewRegion(0, 64, nil)
	space := vmm.NewAddressSpace(0, 4096, vmm.NullPageTableOps{}, nil)

	first := newTestMapping(t, region, 4)

	addr, err := space.InsertMapping(first, 0, 4, vmm.FlagRead|vmm.FlagWrite, 0x1000, false)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := newTestMapping(t, region, 4)

	_, err = space.InsertMapping(second, 0, 4, vmm.FlagRead|vmm.FlagWrite, 0x1000, false)
	if kindOf(err) != errs.AlreadyInProgress {
		t.Fatalf("insert overlapping: got kind %v, want AlreadyInProgress", kindOf(err))
	}

	// The first mapping must still resolve exactly as installed.
	got, offset, _, lerr := space.Lookup(addr)
	if lerr != nil {
		t.Fatalf("lookup after failed overlap: %v", lerr)
	}

	if got != first || offset != 0 {
		t.Fatalf("lookup after failed overlap: mapping/offset changed")
	}

	// A lookup inside the range the rejected mapping's hint overlapped must
	// still resolve to the first mapping, not the rejected one.
	if m, _, _, err := space.Lookup(0x1000 + 1); err != nil || m != first {
		t.Fatalf("lookup interior: got (%v, %v), want (first, nil)", m, err)
	}
}

func TestInsertMappingNonOverlappingSucceeds(t *testing.T) {
	region := frame.NewRegion(0, 64, nil)
	space := vmm.NewAddressSpace(0, 4096, vmm.NullPageTableOps{}, nil)

	a := newTestMapping(t, region, 2)
	b := newTestMapping(t, region, 2)

	if _, err := space.InsertMapping(a, 0, 2, vmm.FlagRead, 0x1000, false); err != nil {
		t.Fatalf("insert a: %v", err)
	}

	if _, err := space.InsertMapping(b, 0, 2, vmm.FlagRead, 0x2000, false); err != nil {
		t.Fatalf("insert b: %v", err)
	}
}

func TestRemoveMappingReleasesOnlyWindowedPortions(t *testing.T) {
	region := frame.NewRegion(0, 64, nil)
	space := vmm.NewAddressSpace(0, 4096, vmm.NullPageTableOps{}, nil)

	// One mapping covering two regions, installed into the space in two
	// separate windows -- the shape proc.Create uses for multi-region
	// process creation.
	var lock isync.Spinlock
	arena := vmm.NewArena(&lock, nil)

	combined, err := vmm.New(arena, region, 4, vmm.FlagRead|vmm.FlagWrite, nil)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}

	if _, err := combined.InsertAllocated(0, 2, 0, vmm.FlagRead|vmm.FlagWrite); err != nil {
		t.Fatalf("insert portion 0: %v", err)
	}

	if _, err := combined.InsertAllocated(2, 2, 0, vmm.FlagRead|vmm.FlagWrite); err != nil {
		t.Fatalf("insert portion 1: %v", err)
	}

	if _, err := space.InsertMapping(combined, 0, 2, vmm.FlagRead|vmm.FlagWrite, 0x1000, false); err != nil {
		t.Fatalf("insert window 0: %v", err)
	}

	if _, err := space.InsertMapping(combined, 2, 2, vmm.FlagRead|vmm.FlagWrite, 0x2000, false); err != nil {
		t.Fatalf("insert window 1: %v", err)
	}

	if err := space.RemoveMapping(0x1000); err != nil {
		t.Fatalf("remove window 0: %v", err)
	}

	// The second window's mapping must still resolve: removing the first
	// window's SpaceMapping must not have released portions belonging to
	// the second window.
	if _, _, _, err := space.Lookup(0x2000); err != nil {
		t.Fatalf("lookup window 1 after removing window 0: %v", err)
	}
}

func TestAllocateVirtualAlignment(t *testing.T) {
	space := vmm.NewAddressSpace(0, 1024, vmm.NullPageTableOps{}, nil)

	addr, err := space.AllocateVirtual(3, 4) // align to 16 pages
	if err != nil {
		t.Fatalf("allocate virtual: %v", err)
	}

	if addr%16 != 0 {
		t.Fatalf("allocate virtual: addr %d not aligned to 16", addr)
	}
}

func TestFreeVirtualCoalesces(t *testing.T) {
	space := vmm.NewAddressSpace(0, 32, vmm.NullPageTableOps{}, nil)

	a, err := space.AllocateVirtual(8, 0)
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}

	b, err := space.AllocateVirtual(8, 0)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}

	space.FreeVirtual(a, 8)
	space.FreeVirtual(b, 8)

	// Coalesced free space should satisfy a request for the whole range.
	if _, err := space.AllocateVirtual(32, 0); err != nil {
		t.Fatalf("allocate after coalesce: %v", err)
	}
}
