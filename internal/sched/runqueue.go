package sched

import "container/heap"

// runQueue is a per-CPU EEVDF run-queue: a heap of runnable tasks ordered
// by virtual deadline, the task whose deadline is earliest runs next.
// Tying virtual eligible time into the ordering as Linux's real EEVDF does
// (delaying tasks with positive lag) is not modeled; every queued task is
// treated as already eligible, which keeps the weighted round-robin
// fairness property true without the lag bookkeeping a full CFS-style
// red-black tree would need.
type runQueue struct {
	items rqHeap
}

func newRunQueue() *runQueue {
	return &runQueue{}
}

func (q *runQueue) Len() int { return len(q.items) }

// Push adds a runnable task, assuming its vEligible/vDeadline fields have
// already been set by the caller (see Scheduler.enqueueLocked).
func (q *runQueue) Push(t *Task) {
	heap.Push(&q.items, t)
}

// Pop removes and returns the task with the earliest virtual deadline, or
// nil if the queue is empty.
func (q *runQueue) Pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Task)
}

// Peek returns the earliest-deadline task without removing it.
func (q *runQueue) Peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// rqHeap implements container/heap.Interface over *Task, ordered by
// (vDeadline, TID) — TID breaks ties deterministically so tests are
// reproducible.
type rqHeap []*Task

func (h rqHeap) Len() int { return len(h) }
func (h rqHeap) Less(i, j int) bool {
	if h[i].vDeadline != h[j].vDeadline {
		return h[i].vDeadline < h[j].vDeadline
	}
	return h[i].TID < h[j].TID
}
func (h rqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rqHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *rqHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
