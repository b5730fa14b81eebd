package ksync

import (
	"context"
	"sync"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Waker is a one-shot wake handle: a task about to block registers one
// with a WakerSet, then waits on it. Waking a Waker that has already fired
// or was never waited on is a no-op — the point is that an interrupt or
// another task can always call Wake without knowing whether anyone is
// still listening.
type Waker struct {
	ch   chan struct{}
	once sync.Once
}

// NewWaker constructs an unfired waker.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{})}
}

// Wait blocks until Wake is called or ctx is done, whichever comes first.
// cpu identifies the CPU the calling task is running on; Wait is the
// kernel's actual parking primitive (Mutex, CondVar, and every direct
// WakerSet user route through it), so this is where the "no spinlock held
// across a suspension point" rule in spec.md §5/§8 is enforced: cpu may be
// nil for a caller with no scheduled CPU identity yet (e.g. a standalone
// test), in which case the check is skipped rather than asserting about a
// CPU that was never real.
func (w *Waker) Wait(ctx context.Context, cpu *archhal.CPU) error {
	if cpu != nil {
		AssertSuspendable(cpu)
	}
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake fires the waker, resuming any Wait in progress. Safe to call more
// than once and safe to call when nothing is waiting.
func (w *Waker) Wake() {
	w.once.Do(func() { close(w.ch) })
}

// WakerSet is an unordered collection of registered wakers, the primitive
// behind condition variables and any blocking syscall that parks on an
// external event (I/O readiness, child exit, a signal).
type WakerSet struct {
	mu     sync.Mutex
	wakers []*Waker
}

// Register adds a fresh waker to the set and returns it for the caller to
// wait on.
func (s *WakerSet) Register() *Waker {
	w := NewWaker()
	s.mu.Lock()
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()
	return w
}

// WakeOne wakes the longest-registered waker still in the set, giving FIFO
// order between competing waiters. A no-op on an empty set.
func (s *WakerSet) WakeOne() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.wakers) == 0 {
		return
	}
	w := s.wakers[0]
	s.wakers = s.wakers[1:]
	w.Wake()
}

// WakeAll wakes and clears every registered waker.
func (s *WakerSet) WakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wakers {
		w.Wake()
	}
	s.wakers = nil
}

// Len reports how many wakers are currently registered, mainly for tests.
func (s *WakerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wakers)
}
