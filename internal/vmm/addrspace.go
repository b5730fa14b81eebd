package vmm

import (
	"sort"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

// defaultMmapBase is the low-to-high scan's starting point for unspecified
// ranges.
const defaultMmapBase = archhal.UserAddr(0x0000_5000_0000_0000)

// FrameAllocator is the subset of pmm.Buddy the VMM needs for user pages.
type FrameAllocator interface {
	Alloc(order uint8) (pmm.Frame, error)
	Free(frame pmm.Frame, order uint8) error
}

// pte is one page-table entry: which frame backs a user page, and the
// access the current mapping grants.
type pte struct {
	frame    pmm.Frame
	present  bool
	writable bool
	cow      bool
}

// FrameRefs is the shared physical-frame refcount table: a frame backing a
// private writable VMA is shared between a parent and child address space
// until one of them writes to it.
// It is intentionally shared by pointer between every AddressSpace derived
// from one lineage. Frames are shared and reference-counted; FrameRefs
// never points back at an AddressSpace, so a frame never carries an
// owning-space back-reference.
type FrameRefs struct {
	mu    sync.Mutex
	count map[pmm.Frame]int
}

// NewFrameRefs constructs an empty frame refcount table.
func NewFrameRefs() *FrameRefs {
	return &FrameRefs{count: make(map[pmm.Frame]int)}
}

func (r *FrameRefs) inc(f pmm.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count[f]++
}

// dec decrements and reports the count after decrementing.
func (r *FrameRefs) dec(f pmm.Frame) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count[f]--
	n := r.count[f]
	if n <= 0 {
		delete(r.count, f)
	}
	return n
}

// get reports the current sharer count. Every frame backing a present PTE
// has already been inc'd once by whichever path mapped it (demand paging or
// ForkCopy), so the stored count is the true owner count with no implicit
// first owner to add back in.
func (r *FrameRefs) get(f pmm.Frame) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[f]
}

// AddressSpace is the root of a page-table tree plus ordered VMA list
// Threads of one process share an AddressSpace by pointer;
// the last reference dropping frees the page tree and any backing frames
// not still refcounted elsewhere.
type AddressSpace struct {
	mu sync.Mutex

	asid  uint32
	vmas  []*VMA
	table map[uint64]pte // page number -> pte

	alloc FrameAllocator
	refs  *FrameRefs
	mem   *PhysMem

	nextHole archhal.UserAddr
}

// NewAddressSpace constructs an empty address space. refs and mem are
// shared with every address space derived from this one via ForkCopy.
func NewAddressSpace(asid uint32, alloc FrameAllocator, refs *FrameRefs, mem *PhysMem) *AddressSpace {
	return &AddressSpace{
		asid:     asid,
		table:    make(map[uint64]pte),
		alloc:    alloc,
		refs:     refs,
		mem:      mem,
		nextHole: defaultMmapBase,
	}
}

// ASID returns the address space's ASID/PCID tag.
func (a *AddressSpace) ASID() uint32 { return a.asid }

// Mmap allocates a VMA of the given length (rounded up to a page), backed
// as requested. If fixed is false, it scans low-to-high from
// defaultMmapBase for a sufficiently large hole; that base is a package
// constant and cannot be configured per address space.
func (a *AddressSpace) Mmap(hint archhal.UserAddr, length uint64, prot Prot, flags MapFlags, backing Backing) (archhal.UserAddr, error) {
	if length == 0 {
		return 0, kernelerr.New("vmm", kernelerr.KindInvalid, "mmap: zero length")
	}
	length = uint64(alignUp(archhal.UserAddr(length)))

	a.mu.Lock()
	defer a.mu.Unlock()

	var start archhal.UserAddr
	if flags.Fixed {
		start = alignDown(hint)
		if findOverlap(a.vmas, start, start+archhal.UserAddr(length)) {
			return 0, kernelerr.New("vmm", kernelerr.KindExists, "mmap: fixed range overlaps an existing mapping")
		}
	} else {
		var err error
		start, err = a.findHoleLocked(length)
		if err != nil {
			return 0, err
		}
	}

	sharing := SharingPrivate
	v := &VMA{Start: start, End: start + archhal.UserAddr(length), Prot: prot, Backing: backing, Sharing: sharing}
	a.vmas = insertVMA(a.vmas, v)
	return start, nil
}

func findOverlap(vmas []*VMA, start, end archhal.UserAddr) bool {
	for _, v := range vmas {
		if v.overlaps(start, end) {
			return true
		}
	}
	return false
}

// findHoleLocked scans low-to-high from a.nextHole for a gap of at least
// length bytes. Caller holds a.mu.
func (a *AddressSpace) findHoleLocked(length uint64) (archhal.UserAddr, error) {
	sorted := append([]*VMA(nil), a.vmas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	candidate := a.nextHole
	for _, v := range sorted {
		if v.Start >= candidate && uint64(v.Start-candidate) >= length {
			break
		}
		if v.End > candidate {
			candidate = v.End
		}
	}
	return candidate, nil
}

// Munmap splits/removes overlapping VMAs, tears down their page-table
// entries, decrements frame refcounts, and (conceptually) issues a TLB
// invalidation for the range.
func (a *AddressSpace) Munmap(start archhal.UserAddr, length uint64) error {
	start = alignDown(start)
	end := alignUp(start + archhal.UserAddr(length))

	a.mu.Lock()
	defer a.mu.Unlock()

	kept, removed := splitAndRemove(a.vmas, start, end)
	a.vmas = kept
	for _, v := range removed {
		a.unmapRangeLocked(v.Start, v.End)
	}
	return nil
}

// Destroy tears down every VMA in the address space, dropping every
// mapped page's frame reference (freeing the frame to the allocator once
// no other address space sharing it via ForkCopy still holds a reference).
// Called once, when the owning process's last thread exits (spec.md §4.7:
// "release address space when last thread exits").
func (a *AddressSpace) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, v := range a.vmas {
		a.unmapRangeLocked(v.Start, v.End)
	}
	a.vmas = nil
}

func (a *AddressSpace) unmapRangeLocked(start, end archhal.UserAddr) {
	for p := pageOf(start); p < pageOf(end); p++ {
		entry, ok := a.table[p]
		if !ok || !entry.present {
			continue
		}
		delete(a.table, p)
		if a.refs.dec(entry.frame) <= 0 {
			_ = a.alloc.Free(entry.frame, 0)
		}
	}
}

// Mprotect rewrites the permissions of [start, start+length), splitting
// VMAs as necessary.
func (a *AddressSpace) Mprotect(start archhal.UserAddr, length uint64, prot Prot) error {
	start = alignDown(start)
	end := alignUp(start + archhal.UserAddr(length))

	a.mu.Lock()
	defer a.mu.Unlock()

	a.vmas = splitAndApply(a.vmas, start, end, prot)
	for p := pageOf(start); p < pageOf(end); p++ {
		if entry, ok := a.table[p]; ok {
			entry.writable = prot.Has(ProtWrite) && !entry.cow
			a.table[p] = entry
		}
	}
	return nil
}

// ForkCopy produces a new address space whose VMAs mirror this one. For
// private writable mappings, both sides' PTEs are marked read-only and the
// underlying frame's refcount is incremented.
func (a *AddressSpace) ForkCopy(childASID uint32) *AddressSpace {
	a.mu.Lock()
	defer a.mu.Unlock()

	child := NewAddressSpace(childASID, a.alloc, a.refs, a.mem)
	for _, v := range a.vmas {
		cp := *v
		child.vmas = insertVMA(child.vmas, &cp)
	}

	for page, entry := range a.table {
		if !entry.present {
			continue
		}
		childEntry := entry
		if entry.writable && !entry.cow {
			// Private writable page: mark both sides CoW and bump the
			// shared refcount so the next write on either side triggers
			// the copy-and-detach fault path.
			entry.writable = false
			entry.cow = true
			a.table[page] = entry
			childEntry = entry
		}
		a.refs.inc(entry.frame)
		child.table[page] = childEntry
	}
	return child
}

// Lookup returns the PTE for the page containing addr and whether it is
// present, used by the fault handler and by tests asserting CoW behaviour.
func (a *AddressSpace) Lookup(addr archhal.UserAddr) (frame pmm.Frame, writable, cow, present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.table[pageOf(addr)]
	if !ok {
		return 0, false, false, false
	}
	return e.frame, e.writable, e.cow, e.present
}

// VMAFor returns the VMA containing addr, or nil if none does.
func (a *AddressSpace) VMAFor(addr archhal.UserAddr) *VMA {
	a.mu.Lock()
	defer a.mu.Unlock()
	return findVMA(a.vmas, addr)
}

// MappedPageCount returns the number of present page-table entries, mainly
// for tests asserting the mapped-page invariant.
func (a *AddressSpace) MappedPageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.table {
		if e.present {
			n++
		}
	}
	return n
}
