// Package syscall implements spec.md §4.8: fast-entry argument marshaling
// from ABI registers, the syscall number table, and signal-aware
// cancellation of in-flight handlers. It is the layer archhal's fast
// syscall entry and trap vector hand control to once an
// ExceptionState has been built; everything above this package talks in
// typed Go values, never raw registers.
package syscall

import (
	"context"
	"errors"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/arm64"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	amd64defs "github.com/hexagonal-sun/moss-kernel/internal/linux/defs/amd64"
	arm64defs "github.com/hexagonal-sun/moss-kernel/internal/linux/defs/arm64"
	"github.com/hexagonal-sun/moss-kernel/internal/proc"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
	"golang.org/x/sys/unix"
)

// Invocation is the marshaled argument record a Handler receives: the
// calling thread, the scheduler that owns its CPU's run-queue (so
// clone/fork can admit the new task), and the six raw ABI argument words.
type Invocation struct {
	Thread    *proc.Thread
	Scheduler *sched.Scheduler
	Args      [6]uint64
}

// AS is a convenience accessor for the invoking process's address space.
func (inv *Invocation) AS() *vmm.AddressSpace { return inv.Thread.Process.AddressSpace }

// Handler implements one syscall. It returns the non-negative value the
// ABI return register should carry on success; errors are mapped to
// -errno by Dispatch via kernelerr.Errno. A Handler that blocks does so by
// blocking its goroutine (e.g. waiting on a ksync.WakerSet); Dispatch
// wraps every call in sched.Interruptable so a pending signal cancels it.
type Handler func(ctx context.Context, inv *Invocation) (int64, error)

var table = map[defs.Syscall]Handler{}

// register adds h to the dispatch table under sc. Called from this
// package's init() across several files grouped by subsystem
// (mm.go, process.go, signal.go, misc.go) rather than one giant table
// literal, mirroring how the teacher's own command tables
// (internal/linux/defs's own enum aside) are assembled incrementally per
// concern.
func register(sc defs.Syscall, h Handler) { table[sc] = h }

var (
	amd64NumberToSyscall = reverse(amd64defs.SyscallMap)
	arm64NumberToSyscall = reverse(arm64defs.SyscallMap)
)

func reverse(m map[defs.Syscall]uint32) map[uint32]defs.Syscall {
	out := make(map[uint32]defs.Syscall, len(m))
	for sc, n := range m {
		out[n] = sc
	}
	return out
}

func argRegsAndResultReg(arch archhal.CpuArchitecture) (args [6]int, numReg, resultReg int, numberToSyscall map[uint32]defs.Syscall, ok bool) {
	switch arch {
	case archhal.ArchitectureX86_64:
		return amd64.SyscallArgRegs, amd64.RegSyscallNumber, amd64.RegSyscallNumber, amd64NumberToSyscall, true
	case archhal.ArchitectureARM64:
		return arm64.SyscallArgRegs, arm64.RegSyscallNumber, arm64.SyscallArgRegs[0], arm64NumberToSyscall, true
	default:
		return [6]int{}, 0, 0, nil, false
	}
}

// Dispatch is the architecture-neutral syscall entry point: archhal's
// fast-syscall and trap handlers call this once state has been populated.
// It decodes the syscall number and arguments from state per the calling
// convention of arch, looks up and runs the handler, and writes the
// result (or -errno) back into state's ABI return register.
func Dispatch(ctx context.Context, th *proc.Thread, schd *sched.Scheduler, arch archhal.CpuArchitecture, state *archhal.ExceptionState) error {
	argRegs, numReg, resultReg, numberToSyscall, ok := argRegsAndResultReg(arch)
	if !ok {
		return archhal.NewUnsupportedArch(arch)
	}

	num := uint32(state.Regs[numReg])
	sc, known := numberToSyscall[num]
	if !known {
		enosys := int64(unix.ENOSYS)
		state.Regs[resultReg] = uint64(-enosys)
		return nil
	}

	h, known := table[sc]
	if !known {
		enosys := int64(unix.ENOSYS)
		state.Regs[resultReg] = uint64(-enosys)
		return nil
	}

	var args [6]uint64
	for i, r := range argRegs {
		args[i] = state.Regs[r]
	}
	inv := &Invocation{Thread: th, Scheduler: schd, Args: args}

	var result int64
	run := sched.Interruptable(th.Task, func(ctx context.Context) error {
		r, err := h(ctx, inv)
		result = r
		return err
	})
	err := run(ctx)
	switch {
	case err == nil:
		// result already set.
	case errors.Is(err, sched.ErrInterrupted):
		result = -int64(unix.EINTR)
	default:
		result = int64(kernelerr.Errno(err))
	}

	state.Regs[resultReg] = uint64(result)
	return nil
}
