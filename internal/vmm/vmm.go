// Package vmm implements the virtual memory manager: the
// per-address-space VMA list, the page-table walk it backs, demand-paging
// and copy-on-write fault handling, and the safe user-memory copy
// primitives.
//
// Real page tables are walked by the MMU from physical memory; since this
// core runs hosted rather than on bare metal, AddressSpace's page-number
// to PTE map stands in for that walk, and PhysMem stands in for DRAM with a byte
// arena addressed by pmm.Frame. Both are exercised the same way a real
// implementation's hardware-backed equivalents would be: looked up by
// frame number, never by raw pointer arithmetic.
package vmm

import (
	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

// Prot is the VMA permission bitset: read, write, execute, user-accessible.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtUser
)

func (p Prot) Has(bit Prot) bool { return p&bit != 0 }

// Backing identifies what a VMA's pages are populated from.
type Backing int

const (
	BackingAnonymous Backing = iota
	BackingFile
	BackingDevice
)

// Sharing identifies whether writes to a VMA are private to this address
// space (triggering CoW on fork) or shared with other mappers.
type Sharing int

const (
	SharingPrivate Sharing = iota
	SharingShared
)

// MapFlags controls Mmap placement.
type MapFlags struct {
	// Fixed requests the exact range given rather than a scan for a hole.
	Fixed bool
}

// PhysMem is the simulated backing store for physical frames: a flat byte
// arena addressed by frame number, standing in for DRAM accessed through
// the kernel's direct map.
type PhysMem struct {
	arena map[pmm.Frame]*[pmm.PageSize]byte
}

// NewPhysMem constructs an empty simulated physical memory. Frames are
// materialized lazily on first access so tests don't need to pre-size the
// arena.
func NewPhysMem() *PhysMem {
	return &PhysMem{arena: make(map[pmm.Frame]*[pmm.PageSize]byte)}
}

func (m *PhysMem) page(f pmm.Frame) *[pmm.PageSize]byte {
	p, ok := m.arena[f]
	if !ok {
		p = &[pmm.PageSize]byte{}
		m.arena[f] = p
	}
	return p
}

// ReadAt copies len(dst) bytes from frame f starting at byte offset off.
func (m *PhysMem) ReadAt(f pmm.Frame, off int, dst []byte) {
	copy(dst, m.page(f)[off:])
}

// WriteAt copies src into frame f starting at byte offset off.
func (m *PhysMem) WriteAt(f pmm.Frame, off int, src []byte) {
	copy(m.page(f)[off:], src)
}

// CopyFrame duplicates the contents of src into dst, used by the CoW fault
// path.
func (m *PhysMem) CopyFrame(dst, src pmm.Frame) {
	*m.page(dst) = *m.page(src)
}

// ZeroFrame clears a frame, used for anonymous demand-paging.
func (m *PhysMem) ZeroFrame(f pmm.Frame) {
	*m.page(f) = [pmm.PageSize]byte{}
}

// pageOf returns the page number containing a user address.
func pageOf(addr archhal.UserAddr) uint64 { return uint64(addr) >> pmm.PageShift }

func pageAddr(page uint64) archhal.UserAddr { return archhal.UserAddr(page << pmm.PageShift) }

func alignDown(addr archhal.UserAddr) archhal.UserAddr {
	return archhal.UserAddr(uint64(addr) &^ (pmm.PageSize - 1))
}

func alignUp(addr archhal.UserAddr) archhal.UserAddr {
	return alignDown(addr+pmm.PageSize-1)
}
