package ksync

import "github.com/hexagonal-sun/moss-kernel/internal/archhal"

// PerCPU is fixed-size generic per-CPU storage, indexed by a CPU handle's
// ID. It is the idiomatic stand-in for the %gs/TPIDR-relative per-CPU
// variables a hosted-on-bare-metal kernel would use: no locking, no map
// lookup, just an index into a slice sized at boot.
type PerCPU[T any] struct {
	slots []T
}

// NewPerCPU allocates storage for numCPUs cores, each starting at T's zero
// value.
func NewPerCPU[T any](numCPUs int) *PerCPU[T] {
	return &PerCPU[T]{slots: make([]T, numCPUs)}
}

// Get returns a pointer to cpu's slot. Only cpu itself (or code running on
// its behalf, such as during boot setup) should mutate it.
func (p *PerCPU[T]) Get(cpu *archhal.CPU) *T {
	return &p.slots[cpu.ID]
}

// At returns a pointer to the slot for a raw CPU index, for bookkeeping
// code that has not yet acquired a *archhal.CPU handle.
func (p *PerCPU[T]) At(id int) *T {
	return &p.slots[id]
}
