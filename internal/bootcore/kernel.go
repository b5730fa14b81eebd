package bootcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/pmm"
	"github.com/hexagonal-sun/moss-kernel/internal/proc"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	dispatch "github.com/hexagonal-sun/moss-kernel/internal/syscall"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

// MemoryRange is one entry of the bootloader-supplied memory map: a base
// address, a length, and whether the range is usable RAM or reserved
// (ACPI tables, MMIO windows, the kernel image itself).
type MemoryRange struct {
	Base   archhal.PhysAddr
	Size   uint64
	Usable bool
}

// BootInfo is everything spec.md §6 says the boot interface hands the
// core, independent of whether it arrived via Multiboot2 or a device-tree
// blob: the raw command line, the memory map, and the initrd location.
type BootInfo struct {
	Cmdline    string
	Memory     []MemoryRange
	InitrdBase archhal.PhysAddr
	InitrdSize uint64
}

// Kernel bundles the booted instance of every layer in spec.md §2's
// dependency order: arch HAL, physical/virtual memory, scheduler
// coordinator, and the init process. One Kernel exists per booted image;
// the hosted developer harness constructs one per test run.
type Kernel struct {
	Log *slog.Logger

	Config *Config
	Arch   archhal.Arch

	CPUs        []*archhal.CPU
	Coordinator *sched.Coordinator

	Buddy    *pmm.Buddy
	Smalloc  *pmm.Smalloc
	PhysMem  *vmm.PhysMem
	nextASID uint32

	Init *proc.Process

	mu         sync.Mutex
	dispatchOn *archhal.CPU // which CPU's scheduler HandleSyscall should consult
}

// Boot brings every layer up in spec.md §2's leaves-first order: arch HAL,
// then physical memory, then the scheduler, then installs the fast-syscall
// entry that funnels every user trap into package syscall's Dispatch, then
// constructs the init process, enqueues it and makes it the running task
// on its CPU.
func Boot(arch archhal.Arch, info BootInfo, numCPUs int, tun sched.Tunables, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := ParseCmdline(info.Cmdline)
	if err != nil {
		return nil, fmt.Errorf("bootcore: %w", err)
	}

	cpus, err := arch.Boot(numCPUs)
	if err != nil {
		return nil, fmt.Errorf("bootcore: arch boot: %w", err)
	}
	log.Info("arch booted", "architecture", arch.Architecture(), "cpus", numCPUs)

	buddy, smalloc, err := buildMemoryManagers(info.Memory)
	if err != nil {
		return nil, fmt.Errorf("bootcore: %w", err)
	}
	log.Info("physical memory manager ready", "free_frames", buddy.FreeFrameCount())

	coord := sched.NewCoordinator(cpus, tun)

	k := &Kernel{
		Log:         log,
		Config:      cfg,
		Arch:        arch,
		CPUs:        cpus,
		Coordinator: coord,
		Buddy:       buddy,
		Smalloc:     smalloc,
		PhysMem:     vmm.NewPhysMem(),
	}

	arch.InstallFastSyscallEntry(func(state *archhal.ExceptionState) error {
		return k.handleFastSyscall(context.Background(), state)
	})

	init, err := k.newInitProcess()
	if err != nil {
		return nil, fmt.Errorf("bootcore: init process: %w", err)
	}
	k.Init = init
	initSched := coord.Scheduler(init.Leader.Affinity())
	initSched.Enqueue(init.Leader.Task)
	// init is the running task on its CPU when Boot returns, so the first
	// fast-syscall entry on that CPU resolves to it.
	initSched.PickNext()

	log.Info("init task created", "pid", init.PID, "init", cfg.InitPath, "args", cfg.InitArgs)
	return k, nil
}

// buildMemoryManagers constructs the buddy allocator over the largest
// usable range in the map and reserves the rest via smalloc, mirroring
// the boot-time split in spec.md §4.2: smalloc for pre-buddy metadata,
// the buddy for everything handed to it afterward.
func buildMemoryManagers(ranges []MemoryRange) (*pmm.Buddy, *pmm.Smalloc, error) {
	sm := pmm.NewSmalloc()

	var best MemoryRange
	for _, r := range ranges {
		if r.Usable && r.Size > best.Size {
			best = r
		}
	}
	if best.Size == 0 {
		return nil, nil, kernelerr.New("bootcore", kernelerr.KindInvalid, "no usable memory range in boot memory map")
	}

	for _, r := range ranges {
		if r.Usable && r.Base != best.Base {
			sm.AddRegion(pmm.FrameFromAddr(r.Base), r.Size)
		}
	}

	frameCount := best.Size / pmm.PageSize
	buddy := pmm.NewBuddy(pmm.FrameFromAddr(best.Base), frameCount)
	return buddy, sm, nil
}

// newInitProcess constructs PID 1: an address space with nothing mapped
// yet, console file descriptors standing in for the VFS-backed ones a
// real boot would open against /dev/console, and a leader thread pinned
// to CPU 0.
func (k *Kernel) newInitProcess() (*proc.Process, error) {
	asid := k.allocASID()
	refs := vmm.NewFrameRefs()
	as := vmm.NewAddressSpace(asid, k.Buddy, refs, k.PhysMem)

	p := proc.NewProcess(nil, as, 0)
	p.Leader.SetAffinity(0)

	stdin := proc.NewFileWithIO(k.consoleRead, nil, nil)
	stdout := proc.NewFileWithIO(nil, k.consoleWrite, nil)
	stderr := proc.NewFileWithIO(nil, k.consoleWrite, nil)
	if fd := p.FDTable.Install(stdin); fd != 0 {
		return nil, kernelerr.New("bootcore", kernelerr.KindInvalid, "stdin did not install at fd 0")
	}
	if fd := p.FDTable.Install(stdout); fd != 1 {
		return nil, kernelerr.New("bootcore", kernelerr.KindInvalid, "stdout did not install at fd 1")
	}
	if fd := p.FDTable.Install(stderr); fd != 2 {
		return nil, kernelerr.New("bootcore", kernelerr.KindInvalid, "stderr did not install at fd 2")
	}

	return p, nil
}

func (k *Kernel) allocASID() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextASID++
	return k.nextASID
}

// consoleRead/consoleWrite back the init process's stdio until a real
// UART/virtio-console device is wired; consoleWrite logs through the same
// structured logger everything else in this package uses, serving as the
// early boot console spec.md's ambient logging section calls for before a
// real sink exists.
func (k *Kernel) consoleRead(buf []byte) (int, error) {
	return 0, nil
}

func (k *Kernel) consoleWrite(buf []byte) (int, error) {
	k.Log.Info("console", "data", string(buf))
	return len(buf), nil
}

// handleFastSyscall is the architecture-neutral fast-entry handler
// installed on Arch: it resolves the calling thread from the CPU current
// syscall dispatch was issued on and hands off to package syscall's
// Dispatch.
func (k *Kernel) handleFastSyscall(ctx context.Context, state *archhal.ExceptionState) error {
	k.mu.Lock()
	cpu := k.dispatchOn
	k.mu.Unlock()
	if cpu == nil {
		return kernelerr.New("bootcore", kernelerr.KindInvalid, "fast syscall entry fired with no CPU context")
	}

	schd := k.Coordinator.Scheduler(cpu.ID)
	task := schd.Current()
	if task == nil {
		return kernelerr.New("bootcore", kernelerr.KindInvalid, "fast syscall entry fired with no current task")
	}
	th, ok := proc.ThreadByTID(task.TID)
	if !ok {
		return kernelerr.New("bootcore", kernelerr.KindInvalid, "no thread registered for current task")
	}

	return dispatch.Dispatch(ctx, th, schd, k.Arch.Architecture(), state)
}

// Syscall drives one fast-syscall entry on behalf of the task currently
// running on cpu, standing in for a real user-mode trap: the hosted
// developer harness's boot-scenario replays build the ExceptionState and
// call it directly.
func (k *Kernel) Syscall(cpu *archhal.CPU, state *archhal.ExceptionState) error {
	k.mu.Lock()
	k.dispatchOn = cpu
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.dispatchOn = nil
		k.mu.Unlock()
	}()
	return k.Arch.FastSyscall(cpu, state)
}

// Step advances one CPU's executor by one scheduling round.
func (k *Kernel) Step(ctx context.Context, cpuID int) (*sched.Task, error) {
	exec := sched.NewExecutor(k.CPUs[cpuID], k.Coordinator.Scheduler(cpuID))
	return exec.Step(ctx)
}

// Run drives every CPU's executor until every run-queue is empty (the
// init task and everything it spawned have exited) or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ran := false
		for id := range k.CPUs {
			t, err := k.Step(ctx, id)
			if err != nil {
				k.Log.Warn("task step returned error", "cpu", id, "err", err)
			}
			if t != nil {
				ran = true
			}
		}
		if !ran {
			return nil
		}
	}
}

// ExitCode reports the init process's exit_group status once it has
// become a zombie, the value spec.md §6 says the shutdown device should
// surface.
func (k *Kernel) ExitCode() (int, bool) {
	if !k.Init.Zombie() {
		return 0, false
	}
	return k.Init.ExitStatus(), true
}
