// Package slab implements the typed object-cache allocator: a per-CPU
// magazine on the hot path backed by a shared partial-slab list over
// frames obtained from package pmm.
package slab

import (
	"fmt"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

// MagazineDepth is the per-CPU magazine's target size.
const MagazineDepth = 16

// FrameAllocator is the subset of pmm.Buddy a Cache needs. Caches always
// allocate/free single frames (order 0); carving multiple objects out of a
// larger frame is left to a future extension.
type FrameAllocator interface {
	Alloc(order uint8) (pmm.Frame, error)
	Free(frame pmm.Frame, order uint8) error
}

type slabInfo struct {
	frame    pmm.Frame
	refcount int
}

// entry is one object slot, tagged with the slab it was carved from so
// Free can tell when a whole slab has gone idle.
type entry[T any] struct {
	obj  *T
	slab *slabInfo
}

// Cache is a named, fixed-object-size allocator of *T.
type Cache[T any] struct {
	name   string
	ctor   func(*T)
	dtor   func(*T)
	allocs FrameAllocator

	// objectsPerFrame is how many objects one frame is carved into.
	objectsPerFrame int

	magazineMu sync.Mutex
	magazine   []*entry[T]

	partialMu sync.Mutex
	partial   []*entry[T] // free objects belonging to partially-used slabs
	byObj     map[*T]*entry[T]
	slabs     map[pmm.Frame]*slabInfo
}

// NewCache constructs a cache of *T carved objectsPerFrame-to-a-frame,
// backed by allocs for fresh frames. ctor/dtor may be nil.
func NewCache[T any](name string, objectsPerFrame int, allocs FrameAllocator, ctor, dtor func(*T)) (*Cache[T], error) {
	if objectsPerFrame <= 0 {
		return nil, kernelerr.New("slab", kernelerr.KindInvalid, fmt.Sprintf("cache %q: objectsPerFrame must be positive", name))
	}
	return &Cache[T]{
		name:            name,
		ctor:            ctor,
		dtor:            dtor,
		allocs:          allocs,
		objectsPerFrame: objectsPerFrame,
		byObj:           make(map[*T]*entry[T]),
		slabs:           make(map[pmm.Frame]*slabInfo),
	}, nil
}

// Alloc returns one object from the cache: magazine pop, then a transfer
// from the partial-slab list, then (if both are empty) a fresh frame from
// the buddy carved into objectsPerFrame objects.
func (c *Cache[T]) Alloc() (*T, error) {
	if e := c.popMagazine(); e != nil {
		return e.obj, nil
	}
	if err := c.refillMagazine(); err != nil {
		return nil, err
	}
	if e := c.popMagazine(); e != nil {
		return e.obj, nil
	}
	return nil, kernelerr.New("slab", kernelerr.KindNoMemory, fmt.Sprintf("cache %q: exhausted", c.name))
}

// popMagazine pops one entry off the per-CPU magazine. Real hardware keeps
// this lock-free; the mutex here exists only because this
// simulation shares one magazine across goroutines standing in for
// independent CPUs, and is never held across a suspension point.
func (c *Cache[T]) popMagazine() *entry[T] {
	c.magazineMu.Lock()
	defer c.magazineMu.Unlock()
	n := len(c.magazine)
	if n == 0 {
		return nil
	}
	e := c.magazine[n-1]
	c.magazine = c.magazine[:n-1]
	return e
}

// refillMagazine transfers up to MagazineDepth objects from the partial
// list, obtaining a fresh frame from the buddy if the partial list is also
// empty.
func (c *Cache[T]) refillMagazine() error {
	c.partialMu.Lock()
	defer c.partialMu.Unlock()

	if len(c.partial) == 0 {
		if err := c.growLocked(); err != nil {
			return err
		}
	}

	n := MagazineDepth
	if n > len(c.partial) {
		n = len(c.partial)
	}
	transferred := c.partial[len(c.partial)-n:]
	c.partial = c.partial[:len(c.partial)-n]

	c.magazineMu.Lock()
	c.magazine = append(c.magazine, transferred...)
	c.magazineMu.Unlock()
	return nil
}

// growLocked obtains a fresh frame and carves it into objectsPerFrame
// objects, appending them to the partial list. Caller holds c.partialMu.
func (c *Cache[T]) growLocked() error {
	frame, err := c.allocs.Alloc(0)
	if err != nil {
		return err
	}
	info := &slabInfo{frame: frame}
	c.slabs[frame] = info
	for i := 0; i < c.objectsPerFrame; i++ {
		obj := new(T)
		if c.ctor != nil {
			c.ctor(obj)
		}
		e := &entry[T]{obj: obj, slab: info}
		c.byObj[obj] = e
		c.partial = append(c.partial, e)
		info.refcount++
	}
	return nil
}

// Free returns obj to the cache: magazine push, flushing half to the
// partial list if the magazine overflows, and releasing a slab's frame
// back to the buddy once it becomes fully free.
func (c *Cache[T]) Free(obj *T) error {
	c.partialMu.Lock()
	e, ok := c.byObj[obj]
	c.partialMu.Unlock()
	if !ok {
		return kernelerr.New("slab", kernelerr.KindInvalid, fmt.Sprintf("cache %q: Free of object not owned by this cache", c.name))
	}

	if c.dtor != nil {
		c.dtor(obj)
	}

	c.magazineMu.Lock()
	c.magazine = append(c.magazine, e)
	var flushed []*entry[T]
	if len(c.magazine) > 2*MagazineDepth {
		half := len(c.magazine) / 2
		flushed = append([]*entry[T](nil), c.magazine[:half]...)
		c.magazine = c.magazine[half:]
	}
	c.magazineMu.Unlock()

	if flushed != nil {
		c.partialMu.Lock()
		c.partial = append(c.partial, flushed...)
		c.partialMu.Unlock()
	}

	return c.maybeReleaseSlab(e.slab)
}

// maybeReleaseSlab releases a slab's frame to the buddy once every object
// it carved is free again, whether it sits in the magazine or on the
// partial list.
func (c *Cache[T]) maybeReleaseSlab(info *slabInfo) error {
	c.partialMu.Lock()
	c.magazineMu.Lock()
	free := 0
	for _, e := range append(c.magazine[:len(c.magazine):len(c.magazine)], c.partial...) {
		if e.slab == info {
			free++
		}
	}
	fullyFree := free == info.refcount
	if fullyFree {
		for _, list := range []*[]*entry[T]{&c.magazine, &c.partial} {
			kept := (*list)[:0]
			for _, e := range *list {
				if e.slab != info {
					kept = append(kept, e)
				} else {
					delete(c.byObj, e.obj)
				}
			}
			*list = kept
		}
		delete(c.slabs, info.frame)
	}
	c.magazineMu.Unlock()
	c.partialMu.Unlock()

	if fullyFree {
		return c.allocs.Free(info.frame, 0)
	}
	return nil
}

// Stats reports the cache's live-object accounting, mainly for tests.
func (c *Cache[T]) Stats() (magazine, partial, slabs int) {
	c.magazineMu.Lock()
	magazine = len(c.magazine)
	c.magazineMu.Unlock()

	c.partialMu.Lock()
	partial = len(c.partial)
	slabs = len(c.slabs)
	c.partialMu.Unlock()
	return
}
