package ksync

import (
	"context"
	"sync/atomic"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Mutex is a sleeping lock: a blocked acquirer parks on the internal
// WakerSet instead of spinning, and is woken in FIFO order on release.
// Unlike Spinlock it is safe to hold across a suspension point — indeed
// acquiring it may itself suspend the caller.
type Mutex struct {
	locked atomic.Bool
	wakers WakerSet
}

// Lock blocks until the mutex is acquired or ctx is done. cpu identifies
// the calling task's CPU, passed through to Waker.Wait so a blocked
// acquire is checked against the "no spinlock across a suspension point"
// rule.
func (m *Mutex) Lock(ctx context.Context, cpu *archhal.CPU) error {
	for {
		if m.locked.CompareAndSwap(false, true) {
			return nil
		}
		w := m.wakers.Register()
		// Re-check: Unlock may have fired between the failed CAS above and
		// registering the waker, in which case waiting here would miss the
		// wakeup entirely.
		if m.locked.CompareAndSwap(false, true) {
			return nil
		}
		if err := w.Wait(ctx, cpu); err != nil {
			return err
		}
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases the mutex and wakes the longest-waiting blocked
// acquirer, if any.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
	m.wakers.WakeOne()
}
