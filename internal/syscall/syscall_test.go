package syscall

import (
	"context"
	"testing"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	amd64hal "github.com/hexagonal-sun/moss-kernel/internal/archhal/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	amd64defs "github.com/hexagonal-sun/moss-kernel/internal/linux/defs/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
	"github.com/hexagonal-sun/moss-kernel/internal/proc"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

func newTestThread(t *testing.T) *proc.Thread {
	t.Helper()
	buddy := pmm.NewBuddy(0, 4096)
	refs := vmm.NewFrameRefs()
	mem := vmm.NewPhysMem()
	as := vmm.NewAddressSpace(1, buddy, refs, mem)
	p := proc.NewProcess(nil, as, 0)
	return p.Leader
}

func newTestScheduler() *sched.Scheduler {
	hal := amd64hal.New()
	cpus, _ := hal.Boot(1)
	return sched.NewScheduler(cpus[0], sched.DefaultTunables())
}

func TestDispatchGetpidReturnsProcessPID(t *testing.T) {
	th := newTestThread(t)
	schd := newTestScheduler()

	st := &archhal.ExceptionState{}
	st.Regs[amd64hal.RegSyscallNumber] = uint64(amd64defs.SyscallMap[defs.SYS_GETPID])

	if err := Dispatch(context.Background(), th, schd, archhal.ArchitectureX86_64, st); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := int64(st.Regs[amd64hal.RegRax]); got != int64(th.Process.PID) {
		t.Fatalf("getpid returned %d, want %d", got, th.Process.PID)
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	th := newTestThread(t)
	schd := newTestScheduler()

	st := &archhal.ExceptionState{}
	st.Regs[amd64hal.RegSyscallNumber] = 0xffffff

	if err := Dispatch(context.Background(), th, schd, archhal.ArchitectureX86_64, st); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := int64(st.Regs[amd64hal.RegRax]); got >= 0 {
		t.Fatalf("expected negative errno for unknown syscall, got %d", got)
	}
}

func TestDispatchWriteCopiesFromUserToBackingFile(t *testing.T) {
	th := newTestThread(t)
	schd := newTestScheduler()

	var written []byte
	f := proc.NewFileWithIO(nil, func(b []byte) (int, error) {
		written = append(written, b...)
		return len(b), nil
	}, nil)
	fd := th.Process.FDTable.Install(f)

	as := th.Process.AddressSpace
	addr, err := as.Mmap(0, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.MapFlags{}, vmm.BackingAnonymous)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	payload := []byte("hi\n")
	if _, err := as.CopyToUser(addr, payload); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	st := &archhal.ExceptionState{}
	st.Regs[amd64hal.RegSyscallNumber] = uint64(amd64defs.SyscallMap[defs.SYS_WRITE])
	st.Regs[amd64hal.RegRdi] = uint64(fd)
	st.Regs[amd64hal.RegRsi] = uint64(addr)
	st.Regs[amd64hal.RegRdx] = uint64(len(payload))

	if err := Dispatch(context.Background(), th, schd, archhal.ArchitectureX86_64, st); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := int64(st.Regs[amd64hal.RegRax]); got != int64(len(payload)) {
		t.Fatalf("write returned %d, want %d", got, len(payload))
	}
	if string(written) != string(payload) {
		t.Fatalf("backing file got %q, want %q", written, payload)
	}
}
