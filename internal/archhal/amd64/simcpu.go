package amd64

import (
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// simCPU backs one archhal.CPU handle with a software timebase and IPI bus.
// Real amd64 hardware would arm the local APIC timer and send IPIs through
// it; here both are modelled as explicit calls so tests can drive ticks
// deterministically without a wall clock.
type simCPU struct {
	arch *Arch
	id   int

	mu       sync.Mutex
	deadline uint64 // ticks remaining until next timer fire, 0 = disarmed
}

func newSimCPU(arch *Arch, id int) *simCPU {
	return &simCPU{arch: arch, id: id}
}

func newCPUHandle(id int, impl *simCPU) *archhal.CPU {
	return archhal.NewCPU(id, archhal.ArchitectureX86_64, impl)
}

func (s *simCPU) ArmTimer(ticks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = ticks
}

// Tick advances this CPU's timebase by one tick, firing the timer handler
// and disarming it when the deadline elapses. The hosted developer harness
// drives this explicitly; real hardware would drive it from the local APIC.
func (s *simCPU) Tick(cpu *archhal.CPU) {
	s.mu.Lock()
	if s.deadline == 0 {
		s.mu.Unlock()
		return
	}
	s.deadline--
	fire := s.deadline == 0
	s.mu.Unlock()
	if fire {
		cpu.DeliverTimer()
	}
}

func (s *simCPU) SendIPI(target *archhal.CPU) {
	target.DeliverIPI(s.id)
}

func (s *simCPU) FlushTLBEntry(asid uint32, addr archhal.VirtAddr) {
	// Simulated: real hardware issues invlpg locally then an IPI-driven
	// shoot-down to every CPU sharing asid. With no physical TLB to
	// invalidate, this is a no-op kept for interface symmetry and so call
	// sites read the same as they would on real hardware.
}

func (s *simCPU) FlushTLBAll(asid uint32) {}
