package pmm

import (
	"fmt"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
)

// Smalloc is the early bump allocator over one or more boot-reserved
// regions. It exists to hand out memory for structures that
// must pre-exist the buddy allocator — including the buddy's own bitmaps —
// and is never reclaimed: freed memory stays lost until the whole region
// is handed to a Buddy after boot.
type Smalloc struct {
	mu sync.Mutex

	regions []region
}

type region struct {
	base Frame
	next uint64 // bytes consumed so far within this region
	size uint64 // region size in bytes
}

// NewSmalloc constructs an empty early allocator; call AddRegion to supply
// reserved memory before the first Alloc.
func NewSmalloc() *Smalloc {
	return &Smalloc{}
}

// AddRegion registers a boot-reserved region of sizeBytes starting at base,
// available for future Alloc calls.
func (s *Smalloc) AddRegion(base Frame, sizeBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = append(s.regions, region{base: base, size: sizeBytes})
}

// Alloc returns sizeBytes of zero-initialized-by-convention memory aligned
// to align (which must be a power of two), carved from the first region
// with enough remaining space.
func (s *Smalloc) Alloc(sizeBytes, align uint64) (archhal.PhysAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.regions {
		r := &s.regions[i]
		start := alignUp(uint64(r.base)<<PageShift+r.next, align)
		offset := start - uint64(r.base)<<PageShift
		if offset+sizeBytes > r.size {
			continue
		}
		r.next = offset + sizeBytes
		return archhal.PhysAddr(start), nil
	}
	return 0, kernelerr.New("pmm", kernelerr.KindNoMemory, fmt.Sprintf("smalloc: no region has %d bytes free", sizeBytes))
}

// HandOff returns the [base, base+frameCount) ranges of every region, for
// the caller to register whole with a Buddy once it has taken over. Any
// bytes already consumed by Alloc are excluded from the handed-off range;
// smalloc never retroactively reclaims allocated bytes.
func (s *Smalloc) HandOff() []struct {
	Base   Frame
	Frames uint64
} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]struct {
		Base   Frame
		Frames uint64
	}, 0, len(s.regions))
	for _, r := range s.regions {
		consumedFrames := (r.next + PageSize - 1) / PageSize
		totalFrames := r.size / PageSize
		if consumedFrames >= totalFrames {
			continue
		}
		out = append(out, struct {
			Base   Frame
			Frames uint64
		}{Base: r.base + Frame(consumedFrames), Frames: totalFrames - consumedFrames})
	}
	return out
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
