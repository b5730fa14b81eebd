// Package sched implements the per-CPU EEVDF (Earliest Eligible Virtual
// Deadline First) task scheduler: task bookkeeping, a run-queue ordered by
// virtual deadline, timer-driven pre-emption, work-stealing between CPUs,
// and the interruptable cancellation combinator that replaces EINTR.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

// RunState is where a Task sits in its lifecycle.
type RunState int

const (
	RunStateRunnable RunState = iota
	RunStateRunning
	RunStateBlocked
	RunStateZombie
	RunStateStopped
)

func (s RunState) String() string {
	switch s {
	case RunStateRunnable:
		return "runnable"
	case RunStateRunning:
		return "running"
	case RunStateBlocked:
		return "blocked-on-waker"
	case RunStateZombie:
		return "zombie"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Resumable is the in-flight computation a task drives: a syscall handler
// or any other kernel future. It runs until it returns (the task's slice
// ends naturally, it blocks, or it is cancelled) and is handed a context
// that the owning Task cancels when an interrupting signal arrives.
type Resumable func(ctx context.Context) error

// niceToWeight mirrors Linux's sched_prio_to_weight table: nice 0 maps to
// weight 1024, and each step away roughly scales by 1.25, so a nice-(-1)
// task gets ~25% more CPU than a nice-0 task of equal deadline pressure.
var niceToWeight = [40]uint32{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

func weightForNice(nice int) float64 {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return float64(niceToWeight[nice+20])
}

// Task is the schedulable unit: one thread of execution plus its EEVDF
// accounting. The process-level state a task belongs to (thread group,
// fd table, signal disposition) is layered on top by package proc, which
// embeds a *Task rather than this package reaching upward for it.
type Task struct {
	TID int

	mu          sync.Mutex
	state       RunState
	nice        int
	weight      float64
	service     time.Duration
	vEligible   time.Duration
	vDeadline   time.Duration
	affinity    int // -1 means no CPU affinity restriction
	lastCPU     *archhal.CPU

	// saved context, the slot archhal.Arch.SwitchContext saves into. No
	// code path in this package sets it: Executor.Step runs tasks without
	// calling SwitchContext.
	SavedContext *archhal.CpuContext

	// run is the current resumable computation, or nil between syscalls.
	run Resumable

	// pendingSignal is polled by the interruptable combinator at every
	// suspension point; nil means "never interruptable" (set by proc once
	// signal state exists).
	pendingSignal func() bool

	// cancel is set by Interruptable for the duration of the wrapped call,
	// letting Task.Interrupt unwind it from the outside (a signal handler
	// running on another task, say).
	cancel context.CancelFunc
}

// NewTask constructs a runnable task at the given nice value.
func NewTask(tid int, nice int) *Task {
	return &Task{
		TID:      tid,
		state:    RunStateRunnable,
		nice:     nice,
		weight:   weightForNice(nice),
		affinity: -1,
	}
}

// State returns the task's current run state.
func (t *Task) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s RunState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Nice returns the task's nice value, as given to NewTask.
func (t *Task) Nice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nice
}

// MarkZombie transitions the task to RunStateZombie, used by package proc
// once a thread has run its last instruction.
func (t *Task) MarkZombie() { t.setState(RunStateZombie) }

// SetAffinity pins the task to a specific CPU ID, or -1 to allow any CPU.
func (t *Task) SetAffinity(cpuID int) {
	t.mu.Lock()
	t.affinity = cpuID
	t.mu.Unlock()
}

// Affinity returns the task's CPU pin, or -1 if unconstrained.
func (t *Task) Affinity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinity
}

// LastCPU returns the CPU this task was last enqueued on (nil if it has
// never been enqueued), the CPU identity callers thread into
// ksync.AssertSuspendable at a real suspension point.
func (t *Task) LastCPU() *archhal.CPU {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCPU
}

// SetRun installs the resumable computation a task's next scheduling turn
// should drive — typically a blocking syscall handler.
func (t *Task) SetRun(r Resumable) {
	t.mu.Lock()
	t.run = r
	t.mu.Unlock()
}

// SetPendingSignalFunc installs the predicate the interruptable combinator
// polls at suspension points. Called once by package proc when it attaches
// signal state to a task.
func (t *Task) SetPendingSignalFunc(f func() bool) {
	t.mu.Lock()
	t.pendingSignal = f
	t.mu.Unlock()
}

func (t *Task) hasInterruptingSignal() bool {
	t.mu.Lock()
	f := t.pendingSignal
	t.mu.Unlock()
	return f != nil && f()
}
