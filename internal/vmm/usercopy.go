package vmm

import (
	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
)

// CopyFromUser copies len(dst) bytes starting at src into dst. A fault on
// the user side (no VMA, permission violation, or an allocation failure
// while resolving a demand-paging/CoW fault) is converted to a Fault error
// at this boundary rather than panicking — a recovery scope, in the sense
// real hardware implements by consulting a
// table mapping the faulting instruction's address range to a recovery
// address; here the "instruction" is this function itself, so the
// recovery is just a returned error.
func (a *AddressSpace) CopyFromUser(dst []byte, src archhal.UserAddr) (int, error) {
	return a.userCopy(dst, src, false)
}

// CopyToUser copies src into len(src) bytes starting at dst, subject to the
// same recovery-scope semantics as CopyFromUser.
func (a *AddressSpace) CopyToUser(dst archhal.UserAddr, src []byte) (int, error) {
	var n int
	var err error
	// Same page walk as userCopy, with src as the buffer and dst as the
	// user address, writing into each frame instead of reading from it.
	remaining := src
	addr := dst
	for len(remaining) > 0 {
		if err = a.ensureReadableWritable(addr, true); err != nil {
			return n, err
		}
		frame, _, _, _ := a.Lookup(addr)
		off := int(uint64(addr) % pmm.PageSize)
		chunk := pmm.PageSize - off
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		a.mem.WriteAt(frame, off, remaining[:chunk])
		remaining = remaining[chunk:]
		addr += archhal.UserAddr(chunk)
		n += chunk
	}
	return n, nil
}

func (a *AddressSpace) userCopy(dst []byte, src archhal.UserAddr, _ bool) (int, error) {
	var n int
	remaining := dst
	addr := src
	for len(remaining) > 0 {
		if err := a.ensureReadableWritable(addr, false); err != nil {
			return n, err
		}
		frame, _, _, _ := a.Lookup(addr)
		off := int(uint64(addr) % pmm.PageSize)
		chunk := pmm.PageSize - off
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		a.mem.ReadAt(frame, off, remaining[:chunk])
		remaining = remaining[chunk:]
		addr += archhal.UserAddr(chunk)
		n += chunk
	}
	return n, nil
}

// ensureReadableWritable resolves any fault standing between addr and a
// usable mapping (demand paging, CoW) and converts failure into
// kernelerr.KindFault rather than letting it propagate as a raw fault.
func (a *AddressSpace) ensureReadableWritable(addr archhal.UserAddr, write bool) error {
	_, writable, cow, present := a.Lookup(addr)
	if present && (!write || (writable && !cow)) {
		return nil
	}
	if err := a.HandleFault(addr, write); err != nil {
		return kernelerr.Wrap("vmm", kernelerr.KindFault, "user copy faulted", err)
	}
	return nil
}
