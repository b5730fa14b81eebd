package arm64

import (
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// simCPU backs one archhal.CPU handle with a software timebase and IPI bus,
// standing in for the generic timer and GIC SGI hardware a real EL1 kernel
// would drive.
type simCPU struct {
	arch *Arch
	id   int

	mu       sync.Mutex
	deadline uint64
}

func newSimCPU(arch *Arch, id int) *simCPU {
	return &simCPU{arch: arch, id: id}
}

func (s *simCPU) ArmTimer(ticks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = ticks
}

// Tick advances this CPU's timebase by one tick.
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

func (s *simCPU) FlushTLBEntry(asid uint32, addr archhal.VirtAddr) {}
func (s *simCPU) FlushTLBAll(asid uint32)                          {}
