// Package sync implements the kernel core's interrupt-safe spinlocks,
// semaphore, mutex and reader/writer lock (spec §4.4), all built atop
// internal/waitq the way the teacher builds every blocking operation atop
// vm.Interrupt and vm.Memory: small structures, explicit loggers, no
// package-level hidden state.
package sync

import (
	stdsync "sync"
)

// IPIWork is a unit of cross-CPU work enqueued by a TLB shootdown or similar
// broadcast (§4.2 "TLB coherence"). It is drained by the target CPU while it
// spins on an IntSpinlock, which is precisely why paging locks never
// deadlock with pending shootdowns.
type IPIWork func()

// CPU holds the per-CPU state IntSpinlock needs: an interrupt-mask flag and
// a pending work queue. One CPU exists per simulated processor; internal/sched
// creates one per dispatch-loop goroutine.
type CPU struct {
	id int

	mu                  stdsync.Mutex
	interruptsDisabled  bool
	queue               []IPIWork
}

// NewCPU creates the per-CPU state for simulated processor id.
func NewCPU(id int) *CPU {
	return &CPU{id: id}
}

// ID returns the simulated processor number.
func (c *CPU) ID() int { return c.id }

// Enqueue appends work for this CPU to perform; called by other CPUs
// broadcasting a shootdown.
func (c *CPU) Enqueue(w IPIWork) {
	c.mu.Lock()
	c.queue = append(c.queue, w)
	c.mu.Unlock()
}

// Drain runs and clears all pending work items for this CPU. It is called
// by IntSpinlock while spinning, and may also be called directly by the
// scheduler's dispatch loop between instructions.
func (c *CPU) Drain() {
	c.mu.Lock()
	work := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, w := range work {
		w()
	}
}

// disableInterrupts masks interrupts on this CPU and returns the previous
// mask state, so it can be restored on unlock.
func (c *CPU) disableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.interruptsDisabled
	c.interruptsDisabled = true

	return prev
}

func (c *CPU) restoreInterrupts(prev bool) {
	c.mu.Lock()
	c.interruptsDisabled = prev
	c.mu.Unlock()
}
