package slab

import (
	"testing"

	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

type widget struct {
	tag   string
	inUse bool
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	buddy := pmm.NewBuddy(0, 64)

	var constructed, destructed int
	cache, err := NewCache[widget]("widget", 8, buddy,
		func(w *widget) { constructed++; w.tag = "fresh" },
		func(w *widget) { destructed++; w.inUse = false },
	)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	w, err := cache.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	w.inUse = true
	if constructed != 8 {
		t.Errorf("constructed = %d, want 8 (one frame carved)", constructed)
	}

	if err := cache.Free(w); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if destructed != 1 {
		t.Errorf("destructed = %d, want 1", destructed)
	}
}

func TestCacheReleasesFullyFreeSlabToBuddy(t *testing.T) {
	buddy := pmm.NewBuddy(0, 64)
	before := buddy.FreeFrameCount()

	cache, err := NewCache[widget]("widget", 4, buddy, nil, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	objs := make([]*widget, 0, 4)
	for i := 0; i < 4; i++ {
		o, err := cache.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		objs = append(objs, o)
	}

	if got := buddy.FreeFrameCount(); got != before-1 {
		t.Fatalf("FreeFrameCount after carving one frame = %d, want %d", got, before-1)
	}

	for _, o := range objs {
		if err := cache.Free(o); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}

	if got := buddy.FreeFrameCount(); got != before {
		t.Errorf("FreeFrameCount after freeing every object = %d, want %d", got, before)
	}
}

func TestCacheFreeOfForeignObjectErrors(t *testing.T) {
	buddy := pmm.NewBuddy(0, 16)
	cache, _ := NewCache[widget]("widget", 4, buddy, nil, nil)

	foreign := &widget{}
	if err := cache.Free(foreign); err == nil {
		t.Fatal("expected error freeing an object the cache never allocated")
	}
}
