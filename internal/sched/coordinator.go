package sched

import "github.com/hexagonal-sun/moss-kernel/internal/archhal"

// Coordinator owns one Scheduler per CPU and implements the load-balancing
// policy between them: an idle CPU steals from the most loaded one, and
// the donor CPU announces the migration to the receiving CPU with an IPI
// so real hardware
// would see the run-queue change reflected through the usual interrupt
// path rather than silent shared-memory mutation.
type Coordinator struct {
	schedulers []*Scheduler
	cpus       []*archhal.CPU
}

// NewCoordinator constructs one Scheduler per cpu, all sharing tun.
func NewCoordinator(cpus []*archhal.CPU, tun Tunables) *Coordinator {
	scheds := make([]*Scheduler, len(cpus))
	for i, c := range cpus {
		scheds[i] = NewScheduler(c, tun)
	}
	return &Coordinator{schedulers: scheds, cpus: cpus}
}

// Scheduler returns the per-CPU scheduler for cpuID.
func (c *Coordinator) Scheduler(cpuID int) *Scheduler { return c.schedulers[cpuID] }

// NumCPUs reports how many CPUs this coordinator balances across.
func (c *Coordinator) NumCPUs() int { return len(c.schedulers) }

// Rebalance runs idleID's steal attempt: if its run-queue is empty, find
// the most loaded other CPU and, if the imbalance is worth a migration,
// move its least-urgent eligible task over. Returns the migrated task, or
// nil if no rebalancing occurred.
func (c *Coordinator) Rebalance(idleID int) *Task {
	idle := c.schedulers[idleID]
	if idle.Len() > 0 {
		return nil
	}

	busiest, busiestLen := -1, 1 // require at least 2 queued to bother
	for i, s := range c.schedulers {
		if i == idleID {
			continue
		}
		if n := s.Len(); n > busiestLen {
			busiest, busiestLen = i, n
		}
	}
	if busiest < 0 {
		return nil
	}

	t := c.schedulers[busiest].StealOne(idleID)
	if t == nil {
		return nil
	}

	c.cpus[busiest].SendIPI(c.cpus[idleID])
	idle.Enqueue(t)
	return t
}
