package pmm

import (
	"math/rand"
	"testing"
)

func TestBuddyAllocAlignment(t *testing.T) {
	b := NewBuddy(0, 1024)
	for order := uint8(0); order <= 5; order++ {
		f, err := b.Alloc(order)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", order, err)
		}
		if uint64(f)%(uint64(1)<<order) != 0 {
			t.Errorf("Alloc(%d) returned unaligned frame %d", order, f)
		}
		if err := b.Free(f, order); err != nil {
			t.Fatalf("Free(%d, %d): %v", f, order, err)
		}
	}
}

func TestBuddyFreeCountRoundTrips(t *testing.T) {
	const total = 512
	b := NewBuddy(0, total)
	initial := b.FreeFrameCount()
	if initial != total {
		t.Fatalf("FreeFrameCount() = %d, want %d", initial, total)
	}

	type alloc struct {
		f     Frame
		order uint8
	}
	var allocs []alloc
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		order := uint8(rng.Intn(4))
		f, err := b.Alloc(order)
		if err != nil {
			continue
		}
		allocs = append(allocs, alloc{f, order})
	}

	for _, a := range allocs {
		if err := b.Free(a.f, a.order); err != nil {
			t.Fatalf("Free(%d, %d): %v", a.f, a.order, err)
		}
	}

	if got := b.FreeFrameCount(); got != total {
		t.Errorf("FreeFrameCount() after freeing everything = %d, want %d", got, total)
	}
}

func TestBuddyExhaustion(t *testing.T) {
	b := NewBuddy(0, 4)
	if _, err := b.Alloc(2); err != nil {
		t.Fatalf("Alloc(2): %v", err)
	}
	if _, err := b.Alloc(0); err == nil {
		t.Fatal("expected NoMemory after exhausting the range")
	}
}

func TestBuddyCoalescesAdjacentFreesToOriginalShape(t *testing.T) {
	b := NewBuddy(0, 8)
	a, err := b.Alloc(3) // the whole range, order 3
	if err != nil {
		t.Fatalf("Alloc(3): %v", err)
	}
	if err := b.Free(a, 3); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(b.free[3].frames) != 1 {
		t.Fatalf("after freeing the whole range, order-3 free list has %d entries, want 1", len(b.free[3].frames))
	}
	for order := 0; order < 3; order++ {
		if len(b.free[order].frames) != 0 {
			t.Errorf("order %d free list not empty after full coalesce: %v", order, b.free[order].frames)
		}
	}
}

func TestSmallocCarvesAlignedRegions(t *testing.T) {
	s := NewSmalloc()
	s.AddRegion(0, 2*PageSize)

	a, err := s.Alloc(64, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if uint64(a)%64 != 0 {
		t.Errorf("first allocation not aligned: %d", a)
	}

	b, err := s.Alloc(64, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b <= a {
		t.Errorf("second allocation %d did not advance past first %d", b, a)
	}
}

func TestSmallocExhaustion(t *testing.T) {
	s := NewSmalloc()
	s.AddRegion(0, 128)
	if _, err := s.Alloc(100, 1); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := s.Alloc(100, 1); err == nil {
		t.Fatal("expected NoMemory once the region is exhausted")
	}
}
