package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Scheduler drives the EEVDF run-queue for one CPU: admission, selection,
// timer-driven pre-emption accounting, and the primitives the work-stealing
// coordinator needs.
type Scheduler struct {
	cpu *archhal.CPU
	tun Tunables

	mu          sync.Mutex
	rq          *runQueue
	current     *Task
	needResched bool
	vtimeNow    time.Duration
}

// NewScheduler constructs an empty scheduler for cpu using tun's slice and
// balancing thresholds.
func NewScheduler(cpu *archhal.CPU, tun Tunables) *Scheduler {
	return &Scheduler{cpu: cpu, tun: tun, rq: newRunQueue()}
}

// virtualDuration rescales a wall-clock duration into a task's virtual
// timeline: virtual = real * (nice-0 weight) / weight, so a heavier task
// accrues virtual time more slowly for the same real time, letting it run
// more often before its deadline comes due.
func virtualDuration(real time.Duration, weight float64) time.Duration {
	return time.Duration(float64(real) * 1024 / weight)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Enqueue admits t as freshly runnable: its virtual eligible time starts
// at this run-queue's current virtual clock, with no carried-over lag.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(t)
}

func (s *Scheduler) enqueueLocked(t *Task) {
	t.setState(RunStateRunnable)
	t.vEligible = s.vtimeNow
	t.vDeadline = s.vtimeNow + virtualDuration(s.tun.BaseSlice, t.weight)
	t.lastCPU = s.cpu
	s.rq.Push(t)
}

// PickNext pops the earliest-deadline runnable task, marks it Running, and
// clears need-resched. Returns nil if the run-queue is empty.
func (s *Scheduler) PickNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.rq.Pop()
	if t == nil {
		return nil
	}
	t.setState(RunStateRunning)
	s.current = t
	s.needResched = false
	return t
}

// Current returns the task currently running on this CPU, or nil if the
// CPU is idle.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Tick advances this CPU's virtual clock by elapsed wall-clock time on
// behalf of the running task, setting need-resched once its virtual
// deadline has passed.
func (s *Scheduler) Tick(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current.service += elapsed
	s.vtimeNow += virtualDuration(elapsed, s.current.weight)
	if s.vtimeNow >= s.current.vDeadline {
		s.needResched = true
	}
}

// NeedResched reports whether the running task should yield the CPU at
// its next suspension point.
func (s *Scheduler) NeedResched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needResched
}

// RequeueCurrent ends the running task's current slice and, if it is still
// runnable, gives it a fresh virtual deadline starting no earlier than the
// run-queue's current virtual clock and re-queues it.
func (s *Scheduler) RequeueCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	s.current = nil
	if t == nil {
		return
	}
	t.vEligible = maxDuration(s.vtimeNow, t.vDeadline)
	t.vDeadline = t.vEligible + virtualDuration(s.tun.BaseSlice, t.weight)
	t.setState(RunStateRunnable)
	s.rq.Push(t)
}

// BlockCurrent removes the running task from CPU accounting entirely. The
// caller is responsible for registering it on whatever waker set it is
// blocking on; it only becomes runnable again via a later Enqueue, which
// starts it with no carried-over lag.
func (s *Scheduler) BlockCurrent() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	s.current = nil
	if t != nil {
		t.setState(RunStateBlocked)
	}
	return t
}

// Len reports the number of queued runnable tasks (excluding any task
// currently running), used to find the most- and least-loaded CPUs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rq.Len()
}

// StealOne removes and returns the migratable queued task with the latest
// virtual deadline, for migration onto targetCPUID. Stealing the
// soonest-deadline task would hand away the work this run-queue most wants
// to run next, so the steal targets the opposite end. Tasks pinned to a
// different CPU via SetAffinity are never eligible. Returns nil if no
// queued task qualifies.
func (s *Scheduler) StealOne(targetCPUID int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	worst := -1
	for i, t := range s.rq.items {
		aff := t.Affinity()
		if aff != -1 && aff != targetCPUID {
			continue
		}
		if worst == -1 || t.vDeadline > s.rq.items[worst].vDeadline {
			worst = i
		}
	}
	if worst == -1 {
		return nil
	}
	return heap.Remove(&s.rq.items, worst).(*Task)
}
