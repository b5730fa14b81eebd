// Package archhal is the architecture abstraction layer: boot
// bring-up, trap vectors, fast syscall entry, per-CPU storage, context
// switch, and IPI/timer primitives, behind an interface every supported ISA
// implements identically.
package archhal

import (
	"fmt"
	"runtime"
)

// CpuArchitecture identifies the ISA a kernel image targets. A single
// running image targets exactly one architecture.
type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ArchitectureNative is the CpuArchitecture of the host this binary was
// built for, used by the hosted developer harness to pick a default.
var ArchitectureNative CpuArchitecture

func init() {
	switch runtime.GOARCH {
	case "amd64":
		ArchitectureNative = ArchitectureX86_64
	case "arm64":
		ArchitectureNative = ArchitectureARM64
	default:
		ArchitectureNative = ArchitectureInvalid
	}
}

// VirtAddr is a kernel-space virtual address. VirtAddr, PhysAddr and
// UserAddr are distinct types; conversions between them are explicit and
// fallible, never implicit uintptr arithmetic.
type VirtAddr uintptr

// PhysAddr is a physical frame address.
type PhysAddr uintptr

// UserAddr is a virtual address subject to the active task's page table and
// permission check. It must never be dereferenced directly by kernel code;
// it is only ever consumed through the safe user-copy primitives in
// package vmm.
type UserAddr uintptr

// ExceptionState is the frozen register-frame layout every trap and fast
// syscall entry populates before invoking architecture-neutral code. Its
// layout is considered frozen: assembly entry stubs on real hardware would
// reference these fields by literal offset, so fields are never reordered
// or removed, only appended.
type ExceptionState struct {
	// Regs holds the general purpose register file, indexed by the
	// per-architecture register numbering in amd64.Reg* / arm64.Reg*.
	Regs [32]uint64

	// PC is the faulting or return instruction pointer.
	PC VirtAddr

	// SP is the user stack pointer at entry.
	SP UserAddr

	// Flags/PSTATE, ISA-specific condition bits.
	Flags uint64

	// VectorNumber identifies which trap vector or fast-entry path was
	// taken; zero for a syscall fast-entry.
	VectorNumber uint32

	// ErrorCode is the hardware-supplied fault error code, when present
	// (e.g. x86 page fault error code). Zero otherwise.
	ErrorCode uint64
}

// TrapHandler processes one trap. Returning a non-nil error other than a
// recovered user-copy fault results in SIGSEGV/SIGBUS delivery to the
// current task, or a kernel panic if the trap occurred in kernel mode with
// no registered recovery site.
type TrapHandler func(state *ExceptionState) error

// IPIHandler processes an inter-processor interrupt on the receiving CPU.
type IPIHandler func(senderCPU int)

// TimerHandler fires when a CPU's armed timer deadline elapses, driving
// pre-emption.
type TimerHandler func(cpu int)

// CpuContext is the architecture-specific saved register set for an
// off-CPU task, a task's saved CPU context. Each Arch
// implementation defines its own concrete layout behind this opaque type;
// archhal-neutral code never inspects the contents, only passes it to
// SwitchContext.
type CpuContext struct {
	Arch CpuArchitecture
	ASID uint32
	// Opaque holds the architecture-specific register save area.
	Opaque any
}

// CPU is a handle to one booted core. Rather than modelling per-CPU
// hardware registers (TPIDR/gs) as hidden global state, callers thread a
// *CPU explicitly through scheduler code — the Go idiom for what a
// systems-language kernel would read from a CPU-local register.
type CPU struct {
	ID   int
	Arch CpuArchitecture

	timerHandler TimerHandler
	ipiHandler   IPIHandler

	impl CPUImpl
}

// CPUImpl is the architecture-specific backing for a CPU handle. Each Arch
// implementation supplies one per core from Boot.
type CPUImpl interface {
	ArmTimer(ticks uint64)
	SendIPI(target *CPU)
	FlushTLBEntry(asid uint32, addr VirtAddr)
	FlushTLBAll(asid uint32)
}

// NewCPU constructs a CPU handle backed by impl. Called by Arch
// implementations during Boot.
func NewCPU(id int, arch CpuArchitecture, impl CPUImpl) *CPU {
	return &CPU{ID: id, Arch: arch, impl: impl}
}

// InstallTimerHandler registers the per-CPU timer tick handler.
func (c *CPU) InstallTimerHandler(h TimerHandler) { c.timerHandler = h }

// InstallIPIHandler registers the handler for inter-processor interrupts
// raised by SendIPI targeting this CPU.
func (c *CPU) InstallIPIHandler(h IPIHandler) { c.ipiHandler = h }

// ArmTimer schedules the next timer tick on this CPU after the given
// number of ticks of the architecture's timebase.
func (c *CPU) ArmTimer(ticks uint64) { c.impl.ArmTimer(ticks) }

// SendIPI raises an inter-processor interrupt on the target CPU.
func (c *CPU) SendIPI(target *CPU) { c.impl.SendIPI(target) }

// FlushTLBEntry invalidates a single TLB entry tagged with asid, as seen
// from this CPU (i.e. issues the broadcast shoot-down this CPU initiates).
func (c *CPU) FlushTLBEntry(asid uint32, addr VirtAddr) { c.impl.FlushTLBEntry(asid, addr) }

// FlushTLBAll invalidates every TLB entry tagged with asid.
func (c *CPU) FlushTLBAll(asid uint32) { c.impl.FlushTLBAll(asid) }

// DeliverTimer is called by the architecture's simulated timebase when this
// CPU's armed deadline elapses.
func (c *CPU) DeliverTimer() {
	if c.timerHandler != nil {
		c.timerHandler(c.ID)
	}
}

// DeliverIPI is called by the sending CPU's impl once the target is
// identified.
func (c *CPU) DeliverIPI(senderCPU int) {
	if c.ipiHandler != nil {
		c.ipiHandler(senderCPU)
	}
}

// Arch is the contract every ISA implementation satisfies identically.
// Implementations: archhal/amd64, archhal/arm64.
type Arch interface {
	// Architecture identifies which CpuArchitecture this implementation is.
	Architecture() CpuArchitecture

	// Boot brings up numCPUs cores: identity-maps the kernel, installs
	// descriptor tables where required, and returns one CPU handle per
	// core. Real hardware bring-up (long-mode/EL1 setup, per-CPU kernel
	// stacks) is represented here by the bookkeeping each implementation
	// performs before returning.
	Boot(numCPUs int) ([]*CPU, error)

	// InstallTrapVector registers the handler invoked for a given vector
	// number. A handler installed before or after Boot serves every later
	// Trap on that vector.
	InstallTrapVector(vector uint32, handler TrapHandler)

	// InstallFastSyscallEntry registers the handler invoked by the
	// architecture's dedicated syscall instruction (x86 syscall/sysret,
	// ARM svc/eret).
	InstallFastSyscallEntry(handler TrapHandler)

	// Trap synchronously delivers a trap/exception on behalf of the given
	// CPU, dispatching to the handler registered for state.VectorNumber.
	// It is the simulated equivalent of hardware vectoring to the common
	// trap entry.
	Trap(cpu *CPU, state *ExceptionState) error

	// FastSyscall synchronously delivers a fast syscall entry.
	FastSyscall(cpu *CPU, state *ExceptionState) error

	// SwitchContext saves the outgoing context and restores the incoming
	// one. If the incoming task's ASID differs from the currently loaded
	// one, the page-table root is switched and a TLB shoot-down is
	// broadcast. Must only be called from a point where kernel
	// pre-emption is permitted (i.e. not while any spinlock is held).
	SwitchContext(cpu *CPU, outgoing, incoming *CpuContext)
}

// unsupportedArchError is returned by archhal consumers when asked for an
// architecture this build doesn't implement.
type unsupportedArchError struct{ arch CpuArchitecture }

func (e *unsupportedArchError) Error() string {
	return fmt.Sprintf("archhal: unsupported architecture %q", e.arch)
}

// NewUnsupportedArch constructs the sentinel error for an unknown
// CpuArchitecture value.
func NewUnsupportedArch(arch CpuArchitecture) error {
	return &unsupportedArchError{arch: arch}
}
