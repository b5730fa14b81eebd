package sched

import (
	"context"
	"errors"
)

// ErrInterrupted is returned by an Interruptable-wrapped Resumable when an
// interrupting signal cancels it mid-wait. The syscall dispatcher maps it
// to -EINTR at the ABI boundary, the role Linux's EINTR plays for a
// syscall that was in progress when a signal arrived.
var ErrInterrupted = errors.New("sched: interrupted by signal")

// Interruptable wraps fn so that the task's pending-signal predicate is
// consulted before fn ever runs, and fn's context is cancelled (causing
// any await inside it to unwind) the moment Task.Interrupt is called
// during its execution. This is the single choke point a syscall future
// checks signal-interruption through, rather than every blocking call
// re-implementing the check.
func Interruptable(t *Task, fn Resumable) Resumable {
	return func(ctx context.Context) error {
		if t.hasInterruptingSignal() {
			return ErrInterrupted
		}

		cctx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.cancel = nil
			t.mu.Unlock()
			cancel()
		}()

		err := fn(cctx)
		if errors.Is(cctx.Err(), context.Canceled) && t.hasInterruptingSignal() {
			return ErrInterrupted
		}
		return err
	}
}

// Interrupt cancels the task's currently executing interruptable context,
// if one is active, unwinding its Resumable at its next await. A no-op if
// the task is not currently inside an Interruptable-wrapped call.
func (t *Task) Interrupt() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
