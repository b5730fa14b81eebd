package bootcore

import (
	"context"
	"fmt"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/amd64"
	"github.com/hexagonal-sun/moss-kernel/internal/archhal/arm64"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/defs"
	"github.com/hexagonal-sun/moss-kernel/internal/linux/syscallnum"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
	"github.com/schollz/progressbar/v3"
)

// Scenario identifies one of the literal end-to-end boot scenarios.
type Scenario string

const (
	ScenarioSingleTaskExit       Scenario = "single-task-exit"
	ScenarioForkAndWait          Scenario = "fork-and-wait"
	ScenarioCoW                  Scenario = "cow"
	ScenarioPageFaultRecovery    Scenario = "page-fault-recovery"
	ScenarioSignalInterruptsCall Scenario = "signal-interrupts-syscall"
	ScenarioOOMGraceful          Scenario = "oom-graceful"
)

// AllScenarios is the full replay set `--self-test` exercises.
var AllScenarios = []Scenario{
	ScenarioSingleTaskExit,
	ScenarioForkAndWait,
	ScenarioCoW,
	ScenarioPageFaultRecovery,
	ScenarioSignalInterruptsCall,
	ScenarioOOMGraceful,
}

// syscallState builds a fast-entry ExceptionState carrying syscall number
// sc and args encoded per cpu's calling convention, the same register
// layout package syscall's Dispatch decodes. Scenarios use this instead of
// a real trapping user instruction, since this core has no ELF-loaded
// user-mode program behind it — the self-test harness plays the role the
// ELF loader and a userspace program would on real hardware.
func syscallState(arch archhal.CpuArchitecture, sc defs.Syscall, args ...uint64) (*archhal.ExceptionState, error) {
	num, err := syscallnum.Number(arch, sc)
	if err != nil {
		return nil, err
	}

	var state archhal.ExceptionState
	switch arch {
	case archhal.ArchitectureX86_64:
		state.Regs[amd64.RegSyscallNumber] = uint64(num)
		for i, r := range amd64.SyscallArgRegs {
			if i < len(args) {
				state.Regs[r] = args[i]
			}
		}
	case archhal.ArchitectureARM64:
		state.Regs[arm64.RegSyscallNumber] = uint64(num)
		for i, r := range arm64.SyscallArgRegs {
			if i < len(args) {
				state.Regs[r] = args[i]
			}
		}
	default:
		return nil, archhal.NewUnsupportedArch(arch)
	}
	return &state, nil
}

// resultOf reads the return/-errno register back out of state for arch.
func resultOf(arch archhal.CpuArchitecture, state *archhal.ExceptionState) int64 {
	switch arch {
	case archhal.ArchitectureX86_64:
		return int64(state.Regs[amd64.RegSyscallNumber])
	case archhal.ArchitectureARM64:
		return int64(state.Regs[arm64.SyscallArgRegs[0]])
	default:
		return 0
	}
}

// RunSelfTest replays every scenario in AllScenarios against a freshly
// booted Kernel, reporting progress through bar (nil disables progress
// reporting). It returns the first scenario that failed, or "" if every
// scenario passed.
func RunSelfTest(ctx context.Context, k *Kernel, bar *progressbar.ProgressBar) (failed Scenario, err error) {
	for _, s := range AllScenarios {
		if bar != nil {
			bar.Describe(string(s))
		}
		if err := replay(ctx, k, s); err != nil {
			return s, err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return "", nil
}

func replay(ctx context.Context, k *Kernel, s Scenario) error {
	cpu := k.CPUs[0]
	arch := k.Arch.Architecture()

	switch s {
	case ScenarioSingleTaskExit:
		before := k.Buddy.FreeFrameCount()
		state, err := syscallState(arch, defs.SYS_EXIT_GROUP, 0)
		if err != nil {
			return err
		}
		if err := k.Syscall(cpu, state); err != nil {
			return err
		}
		if !k.Init.Zombie() {
			return kernelerr.New("bootcore", kernelerr.KindInvalid, "single-task-exit: init did not become a zombie")
		}
		if status, _ := k.ExitCode(); status != 0 {
			return fmt.Errorf("bootcore: single-task-exit: exit status %d, want 0", status)
		}
		if after := k.Buddy.FreeFrameCount(); after != before {
			return fmt.Errorf("bootcore: single-task-exit: leaked frames, free count %d before, %d after", before, after)
		}
		return nil

	case ScenarioForkAndWait:
		state, err := syscallState(arch, defs.SYS_CLONE, 0)
		if err != nil {
			return err
		}
		if err := k.Syscall(cpu, state); err != nil {
			return err
		}
		childTID := resultOf(arch, state)
		if childTID <= 0 {
			return fmt.Errorf("bootcore: fork-and-wait: clone returned %d", childTID)
		}
		return nil

	case ScenarioCoW:
		as := k.Init.AddressSpace
		addr, err := as.Mmap(0, 4096, vmm.ProtRead|vmm.ProtWrite|vmm.ProtUser, vmm.MapFlags{}, vmm.BackingAnonymous)
		if err != nil {
			return err
		}
		if _, err := as.CopyToUser(addr, []byte{0x41}); err != nil {
			return err
		}
		child := as.ForkCopy(k.allocASID())
		if _, err := child.CopyToUser(addr, []byte{0x42}); err != nil {
			return err
		}
		var buf [1]byte
		if _, err := as.CopyFromUser(buf[:], addr); err != nil {
			return err
		}
		if buf[0] != 0x41 {
			return fmt.Errorf("bootcore: cow: parent observed %#x after child write, want 0x41", buf[0])
		}
		return nil

	case ScenarioPageFaultRecovery:
		as := k.Init.AddressSpace
		var buf [1]byte
		_, err := as.CopyFromUser(buf[:], archhal.UserAddr(0xdead_beef_0000_0000))
		if !kernelerr.Is(err, kernelerr.KindFault) {
			return fmt.Errorf("bootcore: page-fault-recovery: want Fault, got %v", err)
		}
		return nil

	case ScenarioSignalInterruptsCall:
		// Exercised at the unit level by sched.Interruptable's own tests;
		// replaying it here would need a real blocking read behind a pipe
		// the VFS external collaborator supplies, so this scenario is a
		// structural smoke test that the hook is wired rather than a full
		// syscall-level replay.
		if k.Init.Leader.HasInterrupting() {
			return fmt.Errorf("bootcore: signal-interrupts-syscall: fresh init thread should have nothing pending")
		}
		k.Init.Leader.PostToThread(1)
		if !k.Init.Leader.HasInterrupting() {
			return fmt.Errorf("bootcore: signal-interrupts-syscall: posted signal not observed as pending")
		}
		return nil

	case ScenarioOOMGraceful:
		// Repeatedly mmap-and-touch a fresh anonymous page, the literal
		// scenario's workload, until the underlying buddy allocator backing
		// every demand-paged frame is exhausted.
		as := k.Init.AddressSpace
		wasZombie := k.Init.Zombie()
		var last error
		var lastTouched archhal.UserAddr
		count := 0
		for {
			addr, mmapErr := as.Mmap(0, 4096, vmm.ProtRead|vmm.ProtWrite|vmm.ProtUser, vmm.MapFlags{}, vmm.BackingAnonymous)
			if mmapErr != nil {
				last = mmapErr
				break
			}
			if _, err := as.CopyToUser(addr, []byte{0x1}); err != nil {
				last = err
				break
			}
			lastTouched = addr
			count++
			if count > 10_000_000 {
				return fmt.Errorf("bootcore: oom-graceful: buddy did not exhaust after %d mappings", count)
			}
		}
		// The failure this deep in mmap's lazy, demand-paged model surfaces
		// at the touch that finally needs a frame, wrapped as Fault; its
		// Cause is the buddy's original NoMemory.
		if !kernelerr.Is(last, kernelerr.KindNoMemory) && !kernelerr.Is(last, kernelerr.KindFault) {
			return fmt.Errorf("bootcore: oom-graceful: want NoMemory/Fault, got %v", last)
		}
		// single-task-exit runs earlier against the same Kernel, so init may
		// already be a zombie; what matters is that exhaustion did not kill it.
		if k.Init.Zombie() && !wasZombie {
			return fmt.Errorf("bootcore: oom-graceful: process should still be alive after exhaustion")
		}
		// Recovery: munmap one of the pages just mapped and confirm the
		// buddy has a free frame again.
		if count > 0 {
			if err := as.Munmap(lastTouched, 4096); err != nil {
				return err
			}
		}
		if k.Buddy.FreeFrameCount() == 0 {
			return fmt.Errorf("bootcore: oom-graceful: no frames free to demonstrate recovery")
		}
		return nil

	default:
		return fmt.Errorf("bootcore: unknown scenario %q", s)
	}
}
