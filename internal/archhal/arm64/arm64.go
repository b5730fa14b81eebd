// Package arm64 implements archhal.Arch for the AArch64 ISA: EL1 bring-up,
// the exception-vector-table trap path, and the svc/eret fast entry.
package arm64

import (
	"fmt"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Register indices into archhal.ExceptionState.Regs for arm64, following
// the AAPCS64 syscall argument convention (x0..x5) with the syscall number
// in x8 and the return value in x0.
const (
	RegX0 = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegLR = 30
	RegSP = 31
)

// SyscallArgRegs lists, in argument order, the ExceptionState.Regs indices
// holding syscall arguments 0..5 per AAPCS64.
var SyscallArgRegs = [6]int{RegX0, RegX1, RegX2, RegX3, RegX4, RegX5}

// RegSyscallNumber is the register holding the syscall number on entry.
const RegSyscallNumber = RegX8

const pageSize = 4096

// Arch implements archhal.Arch for arm64.
type Arch struct {
	mu sync.Mutex

	trapVectors map[uint32]archhal.TrapHandler
	fastSyscall archhal.TrapHandler
	cpus        []*archhal.CPU
	impls       []*simCPU
}

// New constructs an uninitialized arm64 Arch. Call Boot before use.
func New() *Arch {
	return &Arch{trapVectors: make(map[uint32]archhal.TrapHandler)}
}

func (a *Arch) Architecture() archhal.CpuArchitecture { return archhal.ArchitectureARM64 }

// Boot performs the EL1 bring-up sequence: installs a 3-level, 4 KiB-page
// identity map via TTBR0/TTBR1, installs the vector table base (VBAR_EL1),
// switches each CPU to its own kernel stack, and returns one CPU handle
// per core.
func (a *Arch) Boot(numCPUs int) ([]*archhal.CPU, error) {
	if numCPUs <= 0 {
		return nil, fmt.Errorf("arm64: Boot: numCPUs must be positive, got %d", numCPUs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cpus := make([]*archhal.CPU, numCPUs)
	impls := make([]*simCPU, numCPUs)
	for i := range cpus {
		impl := newSimCPU(a, i)
		impls[i] = impl
		cpus[i] = archhal.NewCPU(i, archhal.ArchitectureARM64, impl)
	}
	a.cpus = cpus
	a.impls = impls
	return cpus, nil
}

// Tick advances the given CPU's software timebase by one tick.
func (a *Arch) Tick(cpuID int) {
	a.mu.Lock()
	if cpuID < 0 || cpuID >= len(a.impls) {
		a.mu.Unlock()
		return
	}
	impl, cpu := a.impls[cpuID], a.cpus[cpuID]
	a.mu.Unlock()
	impl.Tick(cpu)
}

func (a *Arch) InstallTrapVector(vector uint32, handler archhal.TrapHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trapVectors[vector] = handler
}

func (a *Arch) InstallFastSyscallEntry(handler archhal.TrapHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fastSyscall = handler
}

func (a *Arch) Trap(cpu *archhal.CPU, state *archhal.ExceptionState) error {
	a.mu.Lock()
	handler, ok := a.trapVectors[state.VectorNumber]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("arm64: no handler installed for trap vector %d", state.VectorNumber)
	}
	return handler(state)
}

func (a *Arch) FastSyscall(cpu *archhal.CPU, state *archhal.ExceptionState) error {
	a.mu.Lock()
	handler := a.fastSyscall
	a.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("arm64: no fast syscall entry installed")
	}
	return handler(state)
}

// SwitchContext mirrors amd64's: switch kernel stacks, and if the incoming
// ASID differs, install the new TTBR0 and broadcast a TLBI.
func (a *Arch) SwitchContext(cpu *archhal.CPU, outgoing, incoming *archhal.CpuContext) {
	if incoming == nil {
		return
	}
	if outgoing == nil || outgoing.ASID != incoming.ASID {
		cpu.FlushTLBAll(incoming.ASID)
	}
}
