package vmm

import "github.com/hexagonal-sun/moss-kernel/internal/archhal"

// VMA is a half-open user-virtual range with uniform attributes. VMAs
// within one address space are kept disjoint and sorted by
// Start; adjacent VMAs with identical attributes are merged by insert.
type VMA struct {
	Start, End archhal.UserAddr
	Prot       Prot
	Backing    Backing
	Sharing    Sharing
	CoW        bool
}

func (v *VMA) len() uint64 { return uint64(v.End - v.Start) }

// contains reports whether addr falls within [Start, End).
func (v *VMA) contains(addr archhal.UserAddr) bool {
	return addr >= v.Start && addr < v.End
}

// overlaps reports whether v and [start, end) share any address.
func (v *VMA) overlaps(start, end archhal.UserAddr) bool {
	return v.Start < end && start < v.End
}

// sameAttrs reports whether two VMAs could be merged.
func sameAttrs(a, b *VMA) bool {
	return a.Prot == b.Prot && a.Backing == b.Backing && a.Sharing == b.Sharing && a.CoW == b.CoW
}

// insertVMA inserts v into the sorted, disjoint vmas slice, merging with an
// adjacent VMA of identical attributes if one exists.
func insertVMA(vmas []*VMA, v *VMA) []*VMA {
	i := 0
	for i < len(vmas) && vmas[i].Start < v.Start {
		i++
	}
	vmas = append(vmas, nil)
	copy(vmas[i+1:], vmas[i:])
	vmas[i] = v

	// Try merging with the following neighbour, then the preceding one.
	if i+1 < len(vmas) && vmas[i].End == vmas[i+1].Start && sameAttrs(vmas[i], vmas[i+1]) {
		vmas[i].End = vmas[i+1].End
		vmas = append(vmas[:i+1], vmas[i+2:]...)
	}
	if i > 0 && vmas[i-1].End == vmas[i].Start && sameAttrs(vmas[i-1], vmas[i]) {
		vmas[i-1].End = vmas[i].End
		vmas = append(vmas[:i], vmas[i+1:]...)
	}
	return vmas
}

// findVMA returns the VMA containing addr, or nil.
func findVMA(vmas []*VMA, addr archhal.UserAddr) *VMA {
	// vmas is small in practice and kept sorted; linear scan is simplest
	// and matches how a VMA list this size is actually walked.
	for _, v := range vmas {
		if v.contains(addr) {
			return v
		}
	}
	return nil
}

// splitAndRemove removes the portion of every overlapping VMA that falls
// within [start, end), splitting VMAs that only partially overlap, and
// returns the updated list plus the list of VMAs (or VMA fragments) that
// were fully or partially removed, for the caller to tear down page-table
// entries over.
func splitAndRemove(vmas []*VMA, start, end archhal.UserAddr) ([]*VMA, []*VMA) {
	var kept []*VMA
	var removed []*VMA
	for _, v := range vmas {
		if !v.overlaps(start, end) {
			kept = append(kept, v)
			continue
		}
		if v.Start < start {
			left := *v
			left.End = start
			kept = append(kept, &left)
		}
		if v.End > end {
			right := *v
			right.Start = end
			kept = append(kept, &right)
		}
		mid := *v
		if mid.Start < start {
			mid.Start = start
		}
		if mid.End > end {
			mid.End = end
		}
		removed = append(removed, &mid)
	}
	return kept, removed
}

// splitAndApply rewrites the permissions of the portion of every
// overlapping VMA within [start, end), splitting as necessary, and returns
// the updated, merged list.
func splitAndApply(vmas []*VMA, start, end archhal.UserAddr, prot Prot) []*VMA {
	kept, affected := splitAndRemove(vmas, start, end)
	for _, v := range affected {
		v.Prot = prot
		kept = insertVMA(kept, v)
	}
	return kept
}
