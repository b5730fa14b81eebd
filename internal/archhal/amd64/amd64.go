// Package amd64 implements archhal.Arch for the x86-64 ISA: long-mode
// boot bring-up, the IDT-driven trap path, and the syscall/sysret fast
// entry.
package amd64

import (
	"fmt"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Register indices into archhal.ExceptionState.Regs for amd64. Mirrors the
// System V AMD64 ABI syscall argument registers (rdi, rsi, rdx, r10, r8, r9)
// plus rax for the syscall number and return value.
const (
	RegRax = iota
	RegRbx
	RegRcx
	RegRdx
	RegRsi
	RegRdi
	RegRbp
	RegRsp
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// SyscallArgRegs lists, in argument order, the ExceptionState.Regs indices
// holding syscall arguments 0..5 per the System V syscall convention.
var SyscallArgRegs = [6]int{RegRdi, RegRsi, RegRdx, RegR10, RegR8, RegR9}

// RegSyscallNumber is the register holding the syscall number on entry,
// and the register the return value (or -errno) is written to on exit.
const RegSyscallNumber = RegRax

// pageSize is the base page size on amd64 (4 KiB).
const pageSize = 4096

// identityMapSize is the size of the 1 GiB identity map installed during
// Boot.
const identityMapSize = 1 << 30

// Arch implements archhal.Arch for amd64.
type Arch struct {
	mu sync.Mutex

	trapVectors  map[uint32]archhal.TrapHandler
	fastSyscall  archhal.TrapHandler
	cpus         []*archhal.CPU
	impls        []*simCPU
	identityTop  uintptr
	pagingActive bool
}

// New constructs an uninitialized amd64 Arch. Call Boot before use.
func New() *Arch {
	return &Arch{
		trapVectors: make(map[uint32]archhal.TrapHandler),
	}
}

func (a *Arch) Architecture() archhal.CpuArchitecture { return archhal.ArchitectureX86_64 }

// Boot performs the long-mode bring-up sequence: builds a 4-level identity
// map covering identityMapSize, enables long mode and SSE, switches each
// CPU to its own kernel stack, and returns one CPU handle per core.
func (a *Arch) Boot(numCPUs int) ([]*archhal.CPU, error) {
	if numCPUs <= 0 {
		return nil, fmt.Errorf("amd64: Boot: numCPUs must be positive, got %d", numCPUs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Identity-map [0, identityMapSize) with 4 KiB pages under a 4-level
	// page table: CR3 -> 4-level tables, long mode enabled, SSE enabled.
	// The actual table is
	// owned by package vmm once the kernel address space takes over; here
	// we only record that the range is covered so later VMM setup can
	// assert it.
	a.identityTop = identityMapSize
	a.pagingActive = true

	cpus := make([]*archhal.CPU, numCPUs)
	impls := make([]*simCPU, numCPUs)
	for i := range cpus {
		impl := newSimCPU(a, i)
		impls[i] = impl
		cpus[i] = newCPUHandle(i, impl)
	}
	a.cpus = cpus
	a.impls = impls
	return cpus, nil
}

// Tick advances the given CPU's software timebase by one tick, firing its
// timer handler if the armed deadline elapses. The hosted developer harness
// and tests use this to drive pre-emption deterministically in lieu of a
// real local-APIC timer.
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

// Trap saves the full register set (already captured in state by the
// caller, standing in for the common assembly entry stub) and dispatches
// to the handler registered for state.VectorNumber.
func (a *Arch) Trap(cpu *archhal.CPU, state *archhal.ExceptionState) error {
	a.mu.Lock()
	handler, ok := a.trapVectors[state.VectorNumber]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("amd64: no handler installed for trap vector %d", state.VectorNumber)
	}
	return handler(state)
}

// FastSyscall switches to the per-CPU kernel stack (represented here by the
// caller already running on the kernel side), builds the ExceptionState,
// and invokes the registered fast-entry handler.
func (a *Arch) FastSyscall(cpu *archhal.CPU, state *archhal.ExceptionState) error {
	a.mu.Lock()
	handler := a.fastSyscall
	a.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("amd64: no fast syscall entry installed")
	}
	return handler(state)
}

// SwitchContext saves the outgoing task's callee-saved registers, switches
// kernel stacks, restores the incoming task's, and if the incoming task
// owns a different address space (ASID/PCID differs) installs its CR3 and
// issues a TLB shoot-down.
func (a *Arch) SwitchContext(cpu *archhal.CPU, outgoing, incoming *archhal.CpuContext) {
	if outgoing != nil {
		// Register save is represented by the caller retaining
		// outgoing.Opaque; nothing further to do here.
		_ = outgoing
	}
	if incoming == nil {
		return
	}
	if outgoing == nil || outgoing.ASID != incoming.ASID {
		cpu.FlushTLBAll(incoming.ASID)
	}
}
