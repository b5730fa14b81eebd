package syscall

import (
	"context"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	"github.com/hexagonal-sun/moss-kernel/internal/proc"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

// Linux's CLONE_* bit values (include/uapi/linux/sched.h) relevant to the
// subset of clone() semantics this core implements.
const (
	cloneVM      = 0x00000100
	cloneFS      = 0x00000200
	cloneFiles   = 0x00000400
	cloneSighand = 0x00000800
	cloneThread  = 0x00010000
)

func init() {
	register(defs.SYS_CLONE, sysClone)
	register(defs.SYS_EXECVE, sysExecve)
	register(defs.SYS_EXIT, sysExit)
	register(defs.SYS_EXIT_GROUP, sysExitGroup)
	register(defs.SYS_WAIT4, sysWait4)
	register(defs.SYS_KILL, sysKill)
	register(defs.SYS_TKILL, sysTkill)
	register(defs.SYS_TGKILL, sysTgkill)
	register(defs.SYS_GETPID, sysGetpid)
	register(defs.SYS_GETTID, sysGettid)
	register(defs.SYS_GETPPID, sysGetppid)
	register(defs.SYS_SCHED_YIELD, sysSchedYield)
	register(defs.SYS_SET_TID_ADDRESS, sysSetTidAddress)
}

// admitChild enqueues a newly-forked-or-cloned thread's task onto the
// scheduler driving the caller's CPU, the run-queue admission step
// spec.md §4.7's "child added to parent's list" glosses over at the
// process level but that the scheduler itself requires explicitly.
func admitChild(inv *Invocation, th *proc.Thread) {
	if inv.Scheduler != nil {
		th.SetAffinity(th.Affinity())
		inv.Scheduler.Enqueue(th.Task)
	}
}

// ExecveLoader builds a fresh address space for path given argv/envp,
// mirroring the ELF loader's contract in spec.md §4.7: an external
// collaborator this core only calls through this seam. No package in this
// repository installs one; a dispatcher with none installed reports
// ENOSYS for execve rather than panicking.
type ExecveLoader func(path string, argv, envp []string) (*vmm.AddressSpace, error)

var execveLoader ExecveLoader

// SetExecveLoader installs the ELF-loader callback.
func SetExecveLoader(f ExecveLoader) { execveLoader = f }

func sysClone(ctx context.Context, inv *Invocation) (int64, error) {
	flags := inv.Args[0]
	p := inv.Thread.Process

	shared := proc.CloneFlags{
		ShareAddressSpace: flags&cloneVM != 0,
		ShareFDTable:      flags&cloneFiles != 0,
		ShareSignals:      flags&cloneSighand != 0,
		ShareThreadGroup:  flags&cloneThread != 0,
	}

	if !shared.ShareAddressSpace && !shared.ShareFDTable && !shared.ShareThreadGroup {
		// No sharing flags: the fork() path, a brand new thread group.
		child := p.Fork()
		admitChild(inv, child.Leader)
		return int64(child.PID), nil
	}

	th := p.Clone(shared, inv.Thread.Nice())
	admitChild(inv, th)
	return int64(th.TID), nil
}

func sysExecve(ctx context.Context, inv *Invocation) (int64, error) {
	if execveLoader == nil {
		return 0, kernelerr.New("syscall", kernelerr.KindNotSupported, "execve: no loader installed")
	}

	as := inv.Thread.Process.AddressSpace
	path, err := readCString(as, archhal.UserAddr(inv.Args[0]))
	if err != nil {
		return 0, err
	}
	argv, err := readStringArray(as, archhal.UserAddr(inv.Args[1]))
	if err != nil {
		return 0, err
	}
	envp, err := readStringArray(as, archhal.UserAddr(inv.Args[2]))
	if err != nil {
		return 0, err
	}

	// argv/envp are copied out of the old address space before it is torn
	// down; newAS is built independently and only swapped in once ready,
	// per spec.md §4.7's ordering requirement.
	newAS, err := execveLoader(path, argv, envp)
	if err != nil {
		return 0, err
	}
	if err := inv.Thread.Process.Execve(inv.Thread, newAS); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysExit(ctx context.Context, inv *Invocation) (int64, error) {
	inv.Thread.Process.Exit(inv.Thread, int(int32(inv.Args[0])))
	return 0, nil
}

func sysExitGroup(ctx context.Context, inv *Invocation) (int64, error) {
	inv.Thread.Process.ExitGroup(int(int32(inv.Args[0])))
	return 0, nil
}

func sysWait4(ctx context.Context, inv *Invocation) (int64, error) {
	pid, status, err := inv.Thread.Process.Wait4(ctx, inv.Thread.LastCPU())
	if err != nil {
		return 0, err
	}
	if statusAddr := archhal.UserAddr(inv.Args[1]); statusAddr != 0 {
		var buf [4]byte
		buf[0] = byte(status)
		buf[1] = byte(status >> 8)
		buf[2] = byte(status >> 16)
		buf[3] = byte(status >> 24)
		if _, err := inv.Thread.Process.AddressSpace.CopyToUser(statusAddr, buf[:]); err != nil {
			return 0, err
		}
	}
	return int64(pid), nil
}

func sysKill(ctx context.Context, inv *Invocation) (int64, error) {
	// This core has no global PID->Process registry wired into the
	// dispatcher (spec.md scopes process discovery to package proc's
	// parent/child graph); kill() here only targets the caller's own
	// thread group, the tkill()/tgkill() case a shell's job control
	// actually exercises in the end-to-end scenarios.
	pid := int64(int32(inv.Args[0]))
	sig := int(inv.Args[1])
	if pid != int64(inv.Thread.Process.PID) {
		return 0, kernelerr.New("syscall", kernelerr.KindNotSupported, "kill: cross-process targeting requires a PID registry")
	}
	return 0, inv.Thread.Process.Kill(sig, 0)
}

func sysTkill(ctx context.Context, inv *Invocation) (int64, error) {
	tid := int(inv.Args[0])
	sig := int(inv.Args[1])
	return 0, inv.Thread.Process.Kill(sig, tid)
}

func sysTgkill(ctx context.Context, inv *Invocation) (int64, error) {
	tid := int(inv.Args[1])
	sig := int(inv.Args[2])
	return 0, inv.Thread.Process.Kill(sig, tid)
}

func sysGetpid(ctx context.Context, inv *Invocation) (int64, error) {
	return int64(inv.Thread.Process.PID), nil
}

func sysGettid(ctx context.Context, inv *Invocation) (int64, error) {
	return int64(inv.Thread.TID), nil
}

func sysGetppid(ctx context.Context, inv *Invocation) (int64, error) {
	parent := inv.Thread.Process.Parent
	if parent == nil {
		return 0, nil
	}
	return int64(parent.PID), nil
}

func sysSchedYield(ctx context.Context, inv *Invocation) (int64, error) {
	if inv.Scheduler != nil {
		inv.Scheduler.RequeueCurrent()
	}
	return 0, nil
}

func sysSetTidAddress(ctx context.Context, inv *Invocation) (int64, error) {
	return int64(inv.Thread.TID), nil
}

// readCString copies bytes from addr until a NUL, one chunk at a time via
// the safe user-copy primitive, the same boundary crossing spec.md §4.4's
// copy_from_user contract requires for any multi-byte user read.
func readCString(as *vmm.AddressSpace, addr archhal.UserAddr) (string, error) {
	const maxLen = 4096
	var out []byte
	var buf [64]byte
	for len(out) < maxLen {
		n, err := as.CopyFromUser(buf[:], addr+archhal.UserAddr(len(out)))
		if err != nil {
			return "", err
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return string(out), nil
			}
			out = append(out, buf[i])
		}
	}
	return string(out), nil
}

// readStringArray reads a NULL-terminated array of user pointers (argv or
// envp) and the C string each points to.
func readStringArray(as *vmm.AddressSpace, addr archhal.UserAddr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; ; i++ {
		var ptrBuf [8]byte
		if _, err := as.CopyFromUser(ptrBuf[:], addr+archhal.UserAddr(i*8)); err != nil {
			return nil, err
		}
		ptr := archhal.UserAddr(
			uint64(ptrBuf[0]) | uint64(ptrBuf[1])<<8 | uint64(ptrBuf[2])<<16 | uint64(ptrBuf[3])<<24 |
				uint64(ptrBuf[4])<<32 | uint64(ptrBuf[5])<<40 | uint64(ptrBuf[6])<<48 | uint64(ptrBuf[7])<<56,
		)
		if ptr == 0 {
			return out, nil
		}
		s, err := readCString(as, ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}
