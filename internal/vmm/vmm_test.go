package vmm

import (
	"bytes"
	"testing"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

func newTestSpace(t *testing.T) (*AddressSpace, *FrameRefs, *PhysMem) {
	t.Helper()
	buddy := pmm.NewBuddy(0, 4096)
	refs := NewFrameRefs()
	mem := NewPhysMem()
	return NewAddressSpace(1, buddy, refs, mem), refs, mem
}

func TestMmapProducesDisjointSortedVMAs(t *testing.T) {
	as, _, _ := newTestSpace(t)

	a1, err := as.Mmap(0, pmm.PageSize, ProtRead|ProtWrite, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap 1: %v", err)
	}
	a2, err := as.Mmap(0, 3*pmm.PageSize, ProtRead, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap 2: %v", err)
	}
	if a2 < a1+pmm.PageSize {
		t.Fatalf("second mapping %#x overlaps first ending at %#x", a2, a1+pmm.PageSize)
	}

	as.mu.Lock()
	for i := 1; i < len(as.vmas); i++ {
		if as.vmas[i-1].Start >= as.vmas[i].Start {
			t.Fatalf("vmas not sorted: %+v", as.vmas)
		}
		if as.vmas[i-1].overlaps(as.vmas[i].Start, as.vmas[i].End) {
			t.Fatalf("vmas overlap: %+v and %+v", as.vmas[i-1], as.vmas[i])
		}
	}
	as.mu.Unlock()
}

func TestMmapFixedRejectsOverlap(t *testing.T) {
	as, _, _ := newTestSpace(t)

	base := archhal.UserAddr(0x1000_0000)
	if _, err := as.Mmap(base, pmm.PageSize, ProtRead, MapFlags{Fixed: true}, BackingAnonymous); err != nil {
		t.Fatalf("first fixed mmap: %v", err)
	}
	if _, err := as.Mmap(base, pmm.PageSize, ProtRead, MapFlags{Fixed: true}, BackingAnonymous); err == nil {
		t.Fatal("expected overlapping fixed mmap to fail")
	}
}

func TestHandleFaultDemandPagesAnonymousWritableVMA(t *testing.T) {
	as, _, _ := newTestSpace(t)

	addr, err := as.Mmap(0, pmm.PageSize, ProtRead|ProtWrite, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if _, _, _, present := as.Lookup(addr); present {
		t.Fatal("page should not be present before first touch")
	}
	if err := as.HandleFault(addr, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if _, writable, cow, present := as.Lookup(addr); !present || !writable || cow {
		t.Fatalf("expected present writable non-cow page, got writable=%v cow=%v present=%v", writable, cow, present)
	}
}

func TestHandleFaultRejectsWriteToReadOnlyVMA(t *testing.T) {
	as, _, _ := newTestSpace(t)

	addr, err := as.Mmap(0, pmm.PageSize, ProtRead, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if err := as.HandleFault(addr, true); err == nil {
		t.Fatal("expected write fault against a read-only VMA to fail")
	}
}

func TestHandleFaultOutsideAnyVMA(t *testing.T) {
	as, _, _ := newTestSpace(t)
	if err := as.HandleFault(archhal.UserAddr(0xdead0000), false); err == nil {
		t.Fatal("expected fault with no covering VMA to fail")
	}
}

// TestForkCopyTriggersCoWOnWrite reproduces a private writable page shared
// between a parent and its ForkCopy child: both sides start read-only, and
// a write by either side detaches it from the other without disturbing the
// other's contents.
func TestForkCopyTriggersCoWOnWrite(t *testing.T) {
	parent, _, _ := newTestSpace(t)

	addr, err := parent.Mmap(0, pmm.PageSize, ProtRead|ProtWrite, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if err := parent.HandleFault(addr, true); err != nil {
		t.Fatalf("initial fault: %v", err)
	}
	if n, err := parent.CopyToUser(addr, []byte("parent-data")); err != nil || n != len("parent-data") {
		t.Fatalf("seed parent page: n=%d err=%v", n, err)
	}

	child := parent.ForkCopy(2)

	if _, writable, cow, present := parent.Lookup(addr); !present || writable || !cow {
		t.Fatalf("parent page should be read-only CoW after fork, got writable=%v cow=%v present=%v", writable, cow, present)
	}
	if _, writable, cow, present := child.Lookup(addr); !present || writable || !cow {
		t.Fatalf("child page should be read-only CoW after fork, got writable=%v cow=%v present=%v", writable, cow, present)
	}

	// Child writes; this must not alter the parent's page.
	if err := child.HandleFault(addr, true); err != nil {
		t.Fatalf("child CoW fault: %v", err)
	}
	if n, err := child.CopyToUser(addr, []byte("child-data!!")); err != nil || n != len("child-data!!") {
		t.Fatalf("write child page: n=%d err=%v", n, err)
	}

	parentBuf := make([]byte, len("parent-data"))
	if _, err := parent.CopyFromUser(parentBuf, addr); err != nil {
		t.Fatalf("read back parent: %v", err)
	}
	if !bytes.Equal(parentBuf, []byte("parent-data")) {
		t.Fatalf("parent page was mutated by child's write: got %q", parentBuf)
	}

	// Parent is now the sole owner of the original frame, but its PTE is
	// still the read-only CoW entry ForkCopy installed; only a fault on the
	// parent itself reclaims exclusive write access.
	if err := parent.HandleFault(addr, true); err != nil {
		t.Fatalf("parent CoW fault: %v", err)
	}
	if _, writable, cow, _ := parent.Lookup(addr); !writable || cow {
		t.Fatalf("parent should regain exclusive write access once it is sole owner, got writable=%v cow=%v", writable, cow)
	}
}

func TestCopyToUserFromUserRoundTrip(t *testing.T) {
	as, _, _ := newTestSpace(t)

	addr, err := as.Mmap(0, 2*pmm.PageSize, ProtRead|ProtWrite, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	payload := bytes.Repeat([]byte("abcd"), pmm.PageSize/2) // spans two pages
	if n, err := as.CopyToUser(addr, payload); err != nil || n != len(payload) {
		t.Fatalf("CopyToUser: n=%d err=%v", n, err)
	}

	out := make([]byte, len(payload))
	if n, err := as.CopyFromUser(out, addr); err != nil || n != len(payload) {
		t.Fatalf("CopyFromUser: n=%d err=%v", n, err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("round-tripped bytes do not match what was written")
	}
}

func TestCopyFromUserFaultsOnUnmappedAddress(t *testing.T) {
	as, _, _ := newTestSpace(t)
	buf := make([]byte, 16)
	if _, err := as.CopyFromUser(buf, archhal.UserAddr(0xbeef0000)); err == nil {
		t.Fatal("expected copy from an unmapped address to fault rather than panic")
	}
}

func TestMunmapDropsMappingAndFreesSoleOwnedFrame(t *testing.T) {
	as, _, _ := newTestSpace(t)

	addr, err := as.Mmap(0, pmm.PageSize, ProtRead|ProtWrite, MapFlags{}, BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	buddy := as.alloc.(*pmm.Buddy)
	before := buddy.FreeFrameCount()
	if err := as.HandleFault(addr, true); err != nil {
		t.Fatalf("fault: %v", err)
	}
	if err := as.Munmap(addr, pmm.PageSize); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	if as.VMAFor(addr) != nil {
		t.Fatal("VMA should be gone after munmap")
	}
	if as.MappedPageCount() != 0 {
		t.Fatal("page table entry should be gone after munmap")
	}
	if got := buddy.FreeFrameCount(); got != before {
		t.Fatalf("free frames after munmap = %d, want %d (sole-owned frame returned)", got, before)
	}
}
