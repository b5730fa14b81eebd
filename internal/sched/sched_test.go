package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
)

type noopCPUImpl struct{}

func (noopCPUImpl) ArmTimer(uint64)                        {}
func (noopCPUImpl) SendIPI(*archhal.CPU)                   {}
func (noopCPUImpl) FlushTLBEntry(uint32, archhal.VirtAddr) {}
func (noopCPUImpl) FlushTLBAll(uint32)                     {}

func testCPU(id int) *archhal.CPU {
	return archhal.NewCPU(id, archhal.ArchitectureX86_64, noopCPUImpl{})
}

func TestRunQueueOrdersByEarliestVirtualDeadline(t *testing.T) {
	q := newRunQueue()
	a := &Task{TID: 1, vDeadline: 30 * time.Millisecond}
	b := &Task{TID: 2, vDeadline: 10 * time.Millisecond}
	c := &Task{TID: 3, vDeadline: 20 * time.Millisecond}
	q.Push(a)
	q.Push(b)
	q.Push(c)

	got := []int{q.Pop().TID, q.Pop().TID, q.Pop().TID}
	want := []int{2, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", got, want)
		}
	}
}

// TestEEVDFFairnessAcrossEqualWeightTasks reproduces spec.md §8's fairness
// property: over many rounds, equal-weight tasks each receive service
// within one slice of the mean.
func TestEEVDFFairnessAcrossEqualWeightTasks(t *testing.T) {
	cpu := testCPU(0)
	tun := DefaultTunables()
	s := NewScheduler(cpu, tun)

	const n = 4
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = NewTask(i, 0)
		s.Enqueue(tasks[i])
	}

	const rounds = 400
	for i := 0; i < rounds; i++ {
		cur := s.PickNext()
		if cur == nil {
			t.Fatalf("round %d: run-queue unexpectedly empty", i)
		}
		s.Tick(tun.BaseSlice)
		s.RequeueCurrent()
	}

	mean := time.Duration(int64(rounds) * int64(tun.BaseSlice) / n)
	for _, task := range tasks {
		task.mu.Lock()
		svc := task.service
		task.mu.Unlock()
		diff := svc - mean
		if diff < 0 {
			diff = -diff
		}
		if diff > tun.BaseSlice {
			t.Fatalf("task %d service %v deviates from mean %v by more than one slice (%v)", task.TID, svc, mean, tun.BaseSlice)
		}
	}
}

func TestSchedulerNeedReschedAfterDeadlinePasses(t *testing.T) {
	cpu := testCPU(0)
	tun := DefaultTunables()
	s := NewScheduler(cpu, tun)

	task := NewTask(1, 0)
	s.Enqueue(task)
	s.PickNext()

	if s.NeedResched() {
		t.Fatal("need-resched should be false immediately after PickNext")
	}
	s.Tick(tun.BaseSlice * 2)
	if !s.NeedResched() {
		t.Fatal("need-resched should be true once the virtual deadline has passed")
	}
}

func TestCoordinatorRebalanceStealsFromBusiestCPU(t *testing.T) {
	cpus := []*archhal.CPU{testCPU(0), testCPU(1)}
	tun := DefaultTunables()
	c := NewCoordinator(cpus, tun)

	busy := c.Scheduler(0)
	for i := 0; i < 3; i++ {
		busy.Enqueue(NewTask(i, 0))
	}
	idle := c.Scheduler(1)

	stolen := c.Rebalance(1)
	if stolen == nil {
		t.Fatal("expected Rebalance to steal a task for the idle CPU")
	}
	if idle.Len() != 1 {
		t.Fatalf("idle scheduler should have gained one task, has %d", idle.Len())
	}
	if busy.Len() != 2 {
		t.Fatalf("busy scheduler should have lost one task, has %d", busy.Len())
	}
}

func TestCoordinatorRebalanceNoOpWhenNotIdle(t *testing.T) {
	cpus := []*archhal.CPU{testCPU(0), testCPU(1)}
	c := NewCoordinator(cpus, DefaultTunables())
	c.Scheduler(0).Enqueue(NewTask(1, 0))
	c.Scheduler(1).Enqueue(NewTask(2, 0))

	if stolen := c.Rebalance(1); stolen != nil {
		t.Fatal("Rebalance should not steal when the requesting CPU already has work")
	}
}

func TestStealOneRespectsAffinity(t *testing.T) {
	cpu := testCPU(0)
	s := NewScheduler(cpu, DefaultTunables())

	pinned := NewTask(1, 0)
	pinned.SetAffinity(5)
	unpinned := NewTask(2, 0)
	s.Enqueue(pinned)
	s.Enqueue(unpinned)

	stolen := s.StealOne(1)
	if stolen == nil || stolen.TID != unpinned.TID {
		t.Fatalf("expected the unpinned task to be stolen, got %+v", stolen)
	}
}

func TestInterruptableShortCircuitsOnPendingSignal(t *testing.T) {
	task := NewTask(1, 0)
	task.SetPendingSignalFunc(func() bool { return true })

	ran := false
	wrapped := Interruptable(task, func(ctx context.Context) error {
		ran = true
		return nil
	})

	if err := wrapped(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if ran {
		t.Fatal("the wrapped function must not run when a signal is already pending")
	}
}

func TestInterruptCancelsInFlightResumable(t *testing.T) {
	task := NewTask(1, 0)
	signaled := false
	task.SetPendingSignalFunc(func() bool { return signaled })

	started := make(chan struct{})
	wrapped := Interruptable(task, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- wrapped(context.Background()) }()

	<-started
	signaled = true
	task.Interrupt()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Interrupt did not unblock the in-flight resumable")
	}
}

func TestExecutorStepRunsAndRequeuesRunnableTask(t *testing.T) {
	cpu := testCPU(0)
	s := NewScheduler(cpu, DefaultTunables())
	e := NewExecutor(cpu, s)

	task := NewTask(1, 0)
	calls := 0
	task.SetRun(func(ctx context.Context) error {
		calls++
		return nil
	})
	s.Enqueue(task)

	ran, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ran != task || calls != 1 {
		t.Fatalf("expected task to run once, calls=%d ran=%v", calls, ran)
	}
	if s.Len() != 1 {
		t.Fatalf("expected the task to be requeued after running, queue len=%d", s.Len())
	}
}

func TestExecutorStepIdleReturnsNil(t *testing.T) {
	cpu := testCPU(0)
	s := NewScheduler(cpu, DefaultTunables())
	e := NewExecutor(cpu, s)

	ran, err := e.Step(context.Background())
	if err != nil || ran != nil {
		t.Fatalf("expected an idle CPU to return (nil, nil), got (%v, %v)", ran, err)
	}
}
