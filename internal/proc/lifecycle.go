package proc

import (
	"context"

	"github.com/hexagonal-sun/moss-kernel/internal/archhal"
	"github.com/hexagonal-sun/moss-kernel/internal/kernelerr"
	"github.com/hexagonal-sun/moss-kernel/internal/sched"
	"github.com/hexagonal-sun/moss-kernel/internal/vmm"
)

// CloneFlags is the Go rendering of clone()'s
// CLONE_VM/CLONE_FILES/CLONE_SIGHAND/CLONE_THREAD flag bits. See Clone for
// which of them it acts on.
type CloneFlags struct {
	ShareAddressSpace bool
	ShareFDTable      bool
	ShareSignals      bool
	ShareThreadGroup  bool
}

// Fork creates a child process: a copy of p's address space (ForkCopy), fd
// table and signal dispositions, and a new thread group (new PID) whose
// leader has the nice value of p's leader.
func (p *Process) Fork() *Process {
	p.mu.Lock()
	childPID := allocID()
	as := p.AddressSpace.ForkCopy(uint32(childPID))
	fds := p.FDTable.Fork()
	sigs := p.Signals.clone()
	nice := p.Leader.Nice()
	p.mu.Unlock()

	child := &Process{
		PID:          childPID,
		Threads:      make(map[int]*Thread),
		Children:     make(map[int]*Process),
		AddressSpace: as,
		FDTable:      fds,
		Signals:      sigs,
		Credentials:  p.Credentials,
		Parent:       p,
	}
	leader := newThread(child, child.PID, nice)
	child.Leader = leader
	child.Threads[leader.TID] = leader

	p.mu.Lock()
	p.Children[child.PID] = child
	p.mu.Unlock()

	return child
}

// Clone creates a new thread belonging to p. The thread always uses p's
// address space, fd table and signal dispositions: of flags, only
// ShareThreadGroup is consulted, and ShareAddressSpace, ShareFDTable and
// ShareSignals have no effect. With ShareThreadGroup the thread is added
// to p.Threads (pthread_create-style clone()); without it the thread is
// returned but not recorded in p.Threads.
func (p *Process) Clone(flags CloneFlags, nice int) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	tid := allocID()
	th := newThread(p, tid, nice)
	if flags.ShareThreadGroup {
		p.Threads[tid] = th
	}
	return th
}

// Execve replaces caller's address space with newAS and tears down every
// other thread in the process, per execve()'s thread-group-collapse rule:
// argv/envp must already be copied into newAS before this is called, since
// the old address space is gone the moment this returns.
func (p *Process) Execve(caller *Thread, newAS *vmm.AddressSpace) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tid, th := range p.Threads {
		if th == caller {
			continue
		}
		th.setZombie()
		delete(p.Threads, tid)
	}
	p.AddressSpace = newAS
	p.Signals.ResetOnExecve()
	p.Leader = caller
	return nil
}

// Exit terminates caller. If it was the last live thread in the process,
// the process itself becomes a zombie (finishExit).
func (p *Process) Exit(caller *Thread, status int) {
	p.mu.Lock()
	caller.setZombie()
	live := 0
	for _, th := range p.Threads {
		if th.State() != sched.RunStateZombie {
			live++
		}
	}
	p.mu.Unlock()
	if live == 0 {
		p.finishExit(status)
	}
}

// ExitGroup terminates every thread in the process at once (the
// exit_group() syscall), always finishing the process regardless of how
// many threads remain.
func (p *Process) ExitGroup(status int) {
	p.mu.Lock()
	for _, th := range p.Threads {
		th.setZombie()
	}
	p.mu.Unlock()
	p.finishExit(status)
}

// finishExit releases every resource the process exclusively owns once its
// last thread has become zombie: open files and, per spec.md §3/§4.7, the
// address space and whatever backing frames aren't still refcounted by a
// sibling address space from an earlier ForkCopy.
func (p *Process) finishExit(status int) {
	p.mu.Lock()
	p.zombie = true
	p.exitStatus = status
	p.FDTable.CloseAll()
	p.AddressSpace.Destroy()
	parent := p.Parent
	p.mu.Unlock()

	if parent != nil {
		parent.Signals.Post(SIGCHLD)
		parent.childExit.WakeOne()
	}
}

// Wait4 blocks until some child of p has become a zombie, reaps it
// (removing it from p.Children), and returns its PID and exit status. A
// pid argument of -1 (wait for any child) is the only mode implemented;
// waiting for a specific PID is left to the caller via a loop that
// discards non-matching results, matching how most libc wrappers build
// waitpid() atop wait4() internally. cpu identifies the calling thread's
// CPU, threaded through to the underlying Waker.Wait.
func (p *Process) Wait4(ctx context.Context, cpu *archhal.CPU) (childPID, status int, err error) {
	for {
		p.mu.Lock()
		if len(p.Children) == 0 {
			p.mu.Unlock()
			return 0, 0, kernelerr.New("proc", kernelerr.KindInvalid, "wait4: no children")
		}
		for pid, c := range p.Children {
			if c.Zombie() {
				delete(p.Children, pid)
				status := c.ExitStatus()
				p.mu.Unlock()
				return pid, status, nil
			}
		}
		w := p.childExit.Register()
		p.mu.Unlock()

		if err := w.Wait(ctx, cpu); err != nil {
			return 0, 0, err
		}
	}
}

// Kill posts sig to a specific thread (tid != 0) or to the process as a
// whole (tid == 0), the union of tkill() and kill()'s targeting rules.
func (p *Process) Kill(sig int, tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tid == 0 {
		p.Signals.Post(sig)
		return nil
	}
	th, ok := p.Threads[tid]
	if !ok {
		return kernelerr.New("proc", kernelerr.KindNotFound, "kill: no such thread")
	}
	th.PostToThread(sig)
	return nil
}
