package sched

import (
	"context"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// Executor drives one CPU's Scheduler: it is the "cooperative executor"
// spec.md §5 describes, single-threaded and running one task's resumable
// computation to its next suspension point before anything else on this
// CPU runs. gVisor's task goroutine (see Task.Start/Task.run) is one
// runnable-task-per-goroutine instead; here a task's Resumable is driven
// synchronously by whichever goroutine calls Step, since the hosted
// developer harness and tests need deterministic, single-stepped
// scheduling rather than free-running concurrency.
type Executor struct {
	cpu   *archhal.CPU
	sched *Scheduler
}

// NewExecutor constructs an executor for cpu, driving sched.
func NewExecutor(cpu *archhal.CPU, sched *Scheduler) *Executor {
	return &Executor{cpu: cpu, sched: sched}
}

// Step performs one scheduling round: ensure a task is current (picking
// one if the CPU was idle), run its Resumable, and requeue it for its next
// slice unless it blocked or reached a terminal state. Returns the task
// that ran, or nil if the run-queue was empty.
func (e *Executor) Step(ctx context.Context) (*Task, error) {
	t := e.sched.Current()
	if t == nil {
		t = e.sched.PickNext()
	}
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run == nil {
		e.sched.RequeueCurrent()
		return t, nil
	}

	err := run(ctx)

	switch t.State() {
	case RunStateBlocked, RunStateZombie, RunStateStopped:
		// Caller already moved the task off this CPU's run-queue (blocked
		// on a waker set) or it has exited; nothing further to schedule.
	default:
		e.sched.RequeueCurrent()
	}
	return t, err
}
