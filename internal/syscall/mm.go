package syscall

import (
	"context"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

// Linux's PROT_* and MAP_* bit values (asm-generic/mman-common.h), the
// same numbers a dynamically linked guest's libc passes through unchanged.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

func protFromBits(bits uint64) vmm.Prot {
	var p vmm.Prot
	if bits&protRead != 0 {
		p |= vmm.ProtRead
	}
	if bits&protWrite != 0 {
		p |= vmm.ProtWrite
	}
	if bits&protExec != 0 {
		p |= vmm.ProtExec
	}
	return p | vmm.ProtUser
}

func init() {
	register(defs.SYS_MMAP, sysMmap)
	register(defs.SYS_MUNMAP, sysMunmap)
	register(defs.SYS_MPROTECT, sysMprotect)
	register(defs.SYS_BRK, sysBrk)
	register(defs.SYS_MADVISE, sysMadvise)
	register(defs.SYS_MINCORE, sysMincore)
	register(defs.SYS_MSYNC, sysNoop)
}

func sysMmap(ctx context.Context, inv *Invocation) (int64, error) {
	hint := archhal.UserAddr(inv.Args[0])
	length := inv.Args[1]
	prot := protFromBits(inv.Args[2])
	flagBits := inv.Args[3]

	if length == 0 {
		return 0, kernelerr.New("syscall", kernelerr.KindInvalid, "mmap: zero length")
	}
	if flagBits&mapAnonymous == 0 {
		// File-backed mappings require the VFS, an external collaborator
		// this core doesn't implement; every mapping this dispatcher
		// serves is anonymous.
		return 0, kernelerr.New("syscall", kernelerr.KindNotSupported, "mmap: file-backed mappings require a VFS")
	}

	flags := vmm.MapFlags{Fixed: flagBits&mapFixed != 0}
	addr, err := inv.Thread.Process.AddressSpace.Mmap(hint, length, prot, flags, vmm.BackingAnonymous)
	if err != nil {
		return 0, err
	}
	return int64(addr), nil
}

func sysMunmap(ctx context.Context, inv *Invocation) (int64, error) {
	addr := archhal.UserAddr(inv.Args[0])
	length := inv.Args[1]
	if err := inv.Thread.Process.AddressSpace.Munmap(addr, length); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysMprotect(ctx context.Context, inv *Invocation) (int64, error) {
	addr := archhal.UserAddr(inv.Args[0])
	length := inv.Args[1]
	prot := protFromBits(inv.Args[2])
	if err := inv.Thread.Process.AddressSpace.Mprotect(addr, length, prot); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysBrk grows or shrinks the process's heap VMA to end at the requested
// address, returning the new break — or the current one, unmoved, if the
// request can't be satisfied, matching Linux's brk() contract of never
// failing with an error return.
func sysBrk(ctx context.Context, inv *Invocation) (int64, error) {
	requested := archhal.UserAddr(inv.Args[0])
	as := inv.Thread.Process.AddressSpace
	current := inv.Thread.Process.Brk()

	if requested == 0 || requested == current {
		return int64(current), nil
	}

	pageRound := func(a archhal.UserAddr) archhal.UserAddr {
		return archhal.UserAddr((uint64(a) + pmm.PageSize - 1) &^ (pmm.PageSize - 1))
	}

	if requested > current {
		growFrom := pageRound(current)
		growTo := pageRound(requested)
		if growTo > growFrom {
			if _, err := as.Mmap(growFrom, uint64(growTo-growFrom), vmm.ProtRead|vmm.ProtWrite|vmm.ProtUser, vmm.MapFlags{Fixed: true}, vmm.BackingAnonymous); err != nil {
				return int64(current), nil
			}
		}
	} else {
		shrinkFrom := pageRound(requested)
		shrinkTo := pageRound(current)
		if shrinkTo > shrinkFrom {
			_ = as.Munmap(shrinkFrom, uint64(shrinkTo-shrinkFrom))
		}
	}

	inv.Thread.Process.SetBrk(requested)
	return int64(requested), nil
}

// sysMadvise and sysMincore are best-effort hints/queries this core has no
// reclaim or residency model to act on; they succeed without effect.
func sysMadvise(ctx context.Context, inv *Invocation) (int64, error) { return 0, nil }
func sysMincore(ctx context.Context, inv *Invocation) (int64, error) { return 0, nil }
func sysNoop(ctx context.Context, inv *Invocation) (int64, error)    { return 0, nil }
