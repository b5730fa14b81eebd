// Package proc implements the process/thread-group lifecycle: fork,
// clone, execve, exit, wait, and signal delivery, layered on top of
// package sched's Task and package vmm's AddressSpace rather than folding
// process-level state into either of them.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/ksync"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

var nextID int64

// allocID hands out a fresh, process-wide-unique PID/TID. Real Linux
// reuses small integers aggressively; this core trades that for a
// monotonic counter, which is simpler and never wrong, only eventually
// large.
func allocID() int {
	return int(atomic.AddInt64(&nextID, 1))
}

// Credentials is the identity a process carries: the subset of Linux's
// credential set this core's permission checks need.
type Credentials struct {
	UID, GID   uint32
	EUID, EGID uint32
}

// Thread is one schedulable thread of a Process: a sched.Task plus the
// process-level attributes that don't belong in package sched (per-thread
// signal mask and pending set; the owning Process).
type Thread struct {
	*sched.Task
	Process *Process

	sigMu      sync.Mutex
	sigMask    SignalSet
	sigPending SignalSet
}

func newThread(p *Process, tid, nice int) *Thread {
	th := &Thread{Task: sched.NewTask(tid, nice), Process: p}
	th.Task.SetPendingSignalFunc(th.HasInterrupting)
	threadRegistry.Store(tid, th)
	return th
}

// threadRegistry maps a live TID back to its Thread, letting boot
// orchestration resolve a sched.Task the scheduler handed it into the
// Thread the syscall dispatcher needs without threading a reference
// through every scheduler/executor call.
var threadRegistry sync.Map

// ThreadByTID looks up a thread by TID, returning false only for a TID
// that was never allocated. Entries are never removed, so an exited
// thread's TID still resolves to its (zombie) Thread — callers should only
// look up TIDs they know are still live (e.g. the current task the
// scheduler just handed back).
func ThreadByTID(tid int) (*Thread, bool) {
	v, ok := threadRegistry.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*Thread), true
}

func (t *Thread) setZombie() { t.Task.MarkZombie() }

// Process is a Linux thread group: one or more Threads sharing an address
// space, file-descriptor table, and signal disposition table.
type Process struct {
	mu sync.Mutex

	PID      int
	Leader   *Thread
	Threads  map[int]*Thread
	Parent   *Process
	Children map[int]*Process

	Credentials Credentials

	AddressSpace *vmm.AddressSpace
	FDTable      *FDTable
	Signals      *SignalState

	zombie     bool
	exitStatus int

	brk archhal.UserAddr

	childExit ksync.WakerSet
}

// brkBase is where a freshly execve'd process's heap starts; brk(0) before
// any growth reports this.
const brkBase archhal.UserAddr = 0x0000_5000_0000_0000

// Brk returns the current program break.
func (p *Process) Brk() archhal.UserAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.brk == 0 {
		p.brk = brkBase
	}
	return p.brk
}

// SetBrk records a new program break after the caller has grown or
// shrunk the heap VMA to match.
func (p *Process) SetBrk(addr archhal.UserAddr) {
	p.mu.Lock()
	p.brk = addr
	p.mu.Unlock()
}

// NewProcess constructs a standalone process — used once, by bootcore, to
// create PID 1. Every other process comes from Fork or Clone.
func NewProcess(parent *Process, as *vmm.AddressSpace, nice int) *Process {
	pid := allocID()
	p := &Process{
		PID:          pid,
		Threads:      make(map[int]*Thread),
		Children:     make(map[int]*Process),
		AddressSpace: as,
		FDTable:      NewFDTable(),
		Signals:      NewSignalState(),
		Parent:       parent,
	}
	leader := newThread(p, pid, nice)
	p.Leader = leader
	p.Threads[leader.TID] = leader

	if parent != nil {
		parent.mu.Lock()
		parent.Children[pid] = p
		parent.mu.Unlock()
	}
	return p
}

// Zombie reports whether every thread in the process has exited.
func (p *Process) Zombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zombie
}

// ExitStatus returns the status passed to the exit call that reaped this
// process, valid only once Zombie reports true.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}
