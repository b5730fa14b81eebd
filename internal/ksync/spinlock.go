// Package ksync implements the kernel's synchronization primitives: an
// interrupt-disabling spinlock for short critical sections, a sleeping
// mutex and condition variable built on a waker set for longer waits, and
// generic per-CPU storage.
//
// Every primitive here is aware of one rule: a task must never reach a
// suspension point while holding a spinlock. Spinlock.Lock and Unlock
// track this per CPU; AssertSuspendable is the hook Waker.Wait calls
// immediately before a task actually parks, and panics if the rule is
// violated.
package ksync

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

var noSuspendDepth sync.Map // *archhal.CPU -> *int32

func depthFor(cpu *archhal.CPU) *int32 {
	v, _ := noSuspendDepth.LoadOrStore(cpu, new(int32))
	return v.(*int32)
}

// Spinlock guards a short critical section. It never parks a waiter:
// Lock spins (yielding the goroutine between attempts, standing in for
// the CPU-bound busy-wait a real spinlock performs) until it acquires the
// lock.
type Spinlock struct {
	held atomic.Bool
}

// SpinlockGuard is returned by Lock and released by Unlock. It is not
// safe to retain one across a suspension point; AssertSuspendable exists
// to catch exactly that mistake.
type SpinlockGuard struct {
	l   *Spinlock
	cpu *archhal.CPU
}

// Lock acquires the spinlock on behalf of cpu, incrementing that CPU's
// no-suspend depth so any suspension attempted before Unlock panics.
func (l *Spinlock) Lock(cpu *archhal.CPU) SpinlockGuard {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	atomic.AddInt32(depthFor(cpu), 1)
	return SpinlockGuard{l: l, cpu: cpu}
}

// TryLock attempts to acquire the spinlock without spinning, reporting
// whether it succeeded.
func (l *Spinlock) TryLock(cpu *archhal.CPU) (SpinlockGuard, bool) {
	if !l.held.CompareAndSwap(false, true) {
		return SpinlockGuard{}, false
	}
	atomic.AddInt32(depthFor(cpu), 1)
	return SpinlockGuard{l: l, cpu: cpu}, true
}

// Unlock releases the spinlock. Calling it on the zero SpinlockGuard (the
// failure result of TryLock) is a programming error and panics.
func (g SpinlockGuard) Unlock() {
	if g.l == nil {
		panic("ksync: Unlock of a zero SpinlockGuard")
	}
	atomic.AddInt32(depthFor(g.cpu), -1)
	g.l.held.Store(false)
}

// AssertSuspendable panics if cpu currently holds any spinlock. Waker.Wait
// — the primitive underlying Mutex.Lock, CondVar.Wait, and every direct
// WakerSet user — calls this immediately before a task actually parks,
// turning the "no spinlock across a suspension point" rule into a
// runtime-enforced invariant rather than a convention.
func AssertSuspendable(cpu *archhal.CPU) {
	if atomic.LoadInt32(depthFor(cpu)) != 0 {
		panic("ksync: attempted to suspend while holding a spinlock")
	}
}
