package frame_test

import (
	"testing"

	"github.com/anillo-os/anillo/internal/frame"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	region := frame.NewRegion(0, 16, nil)

	addr, err := region.Allocate(4, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if addr%4 != 0 {
		t.Fatalf("allocate: addr %d not aligned to order", addr)
	}

	if err := region.Free(addr, 4); err != nil {
		t.Fatalf("free: %v", err)
	}

	// The region should be back to one clean top-level block: a second
	// allocation of the full size should succeed.
	if _, err := region.Allocate(16, 0); err != nil {
		t.Fatalf("allocate after coalesce: %v", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	region := frame.NewRegion(0, 8, nil)

	if _, err := region.Allocate(8, 0); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := region.Allocate(1, 0); err == nil {
		t.Fatal("allocate: expected exhaustion error, got nil")
	}
}

func TestAllocateZeroPages(t *testing.T) {
	region := frame.NewRegion(0, 8, nil)

	if _, err := region.Allocate(0, 0); err == nil {
		t.Fatal("allocate: expected error for zero pages")
	}
}

func TestBuddyCoalescingAcrossSiblings(t *testing.T) {
	region := frame.NewRegion(0, 4, nil)

	a, err := region.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}

	b, err := region.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}

	c, err := region.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate c: %v", err)
	}

	d, err := region.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate d: %v", err)
	}

	for _, addr := range []frame.Address{a, b, c, d} {
		if err := region.Free(addr, 1); err != nil {
			t.Fatalf("free %d: %v", addr, err)
		}
	}

	if _, err := region.Allocate(4, 0); err != nil {
		t.Fatalf("allocate after full coalesce: %v", err)
	}
}

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	region := frame.NewRegion(0, 4, nil)
	mem := frame.NewMemory(region)

	addr, err := region.Allocate(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	if err := mem.WriteAt(addr, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := mem.ReadAt(addr, uint64(len(want)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read: byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestMemoryBoundsChecking(t *testing.T) {
	region := frame.NewRegion(0, 1, nil)
	mem := frame.NewMemory(region)

	if err := mem.WriteAt(0, make([]byte, frame.PageSize+1)); err == nil {
		t.Fatal("write: expected out-of-bounds error")
	}

	if _, err := mem.ReadAt(frame.Address(frame.PageSize), 1); err == nil {
		t.Fatal("read: expected out-of-bounds error")
	}
}
