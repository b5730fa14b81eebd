package vmm

import (
	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
)

// HandleFault implements the page-fault policy: find the
// VMA containing addr; if none exists or the access violates its
// permissions, return a Fault (the caller posts SIGSEGV to the current
// task, or panics if the fault occurred in kernel mode with no registered
// recovery site — see CopyFromUser/CopyToUser). If the fault is a write to
// a CoW page, allocate a fresh frame, copy, remap read-write, and drop the
// old frame's reference. If the fault is a missing anonymous page in a
// writable VMA, allocate a zero frame and map it.
func (a *AddressSpace) HandleFault(addr archhal.UserAddr, write bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := findVMA(a.vmas, addr)
	if v == nil {
		return kernelerr.New("vmm", kernelerr.KindFault, "no VMA covers the faulting address")
	}
	if write && !v.Prot.Has(ProtWrite) {
		return kernelerr.New("vmm", kernelerr.KindFault, "write fault in a read-only VMA")
	}
	if !write && !v.Prot.Has(ProtRead) {
		return kernelerr.New("vmm", kernelerr.KindFault, "read fault in a non-readable VMA")
	}

	page := pageOf(addr)
	entry, present := a.table[page]

	if present && write && entry.cow {
		return a.resolveCoWLocked(page, entry)
	}
	if present {
		if write && !entry.writable {
			return kernelerr.New("vmm", kernelerr.KindFault, "write fault on a read-only page outside CoW")
		}
		return nil // already mapped with sufficient permission; nothing to do
	}

	// Missing anonymous page in a mapped VMA: allocate a zero frame and map.
	if v.Backing != BackingAnonymous {
		return kernelerr.New("vmm", kernelerr.KindFault, "demand paging for non-anonymous backings is handled by the VFS collaborator")
	}
	frame, err := a.alloc.Alloc(0)
	if err != nil {
		return err
	}
	a.mem.ZeroFrame(frame)
	a.refs.inc(frame)
	a.table[page] = pte{frame: frame, present: true, writable: v.Prot.Has(ProtWrite)}
	return nil
}

// resolveCoWLocked performs the copy-and-detach for a write fault on a CoW
// page. Caller holds a.mu.
func (a *AddressSpace) resolveCoWLocked(page uint64, entry pte) error {
	if a.refs.get(entry.frame) <= 1 {
		// Sole owner left; no copy needed, just reclaim exclusive write
		// access to the existing frame.
		entry.writable = true
		entry.cow = false
		a.table[page] = entry
		return nil
	}

	fresh, err := a.alloc.Alloc(0)
	if err != nil {
		return err
	}
	a.mem.CopyFrame(fresh, entry.frame)
	if a.refs.dec(entry.frame) <= 0 {
		if err := a.alloc.Free(entry.frame, 0); err != nil {
			return err
		}
	}
	a.refs.inc(fresh)

	a.table[page] = pte{frame: fresh, present: true, writable: true, cow: false}
	return nil
}
