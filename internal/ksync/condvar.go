package ksync

import (
	"context"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// CondVar is a condition variable layered on a Mutex. Wait atomically
// drops the mutex and parks, reacquiring it before returning regardless of
// whether it returns due to Signal/Broadcast or ctx expiring.
type CondVar struct {
	wakers WakerSet
}

// Wait releases m, blocks until Signal, Broadcast, or ctx is done, then
// reacquires m before returning. Callers must re-check their predicate in
// a loop, as with any condition variable. cpu identifies the calling
// task's CPU, passed through to the underlying Waker.Wait/Mutex.Lock.
func (c *CondVar) Wait(ctx context.Context, m *Mutex, cpu *archhal.CPU) error {
	w := c.wakers.Register()
	m.Unlock()
	waitErr := w.Wait(ctx, cpu)
	lockErr := m.Lock(ctx, cpu)
	if waitErr != nil {
		return waitErr
	}
	return lockErr
}

// Signal wakes one waiter, if any are parked.
func (c *CondVar) Signal() { c.wakers.WakeOne() }

// Broadcast wakes every parked waiter.
func (c *CondVar) Broadcast() { c.wakers.WakeAll() }
