// Package sched implements the round-robin thread scheduler of §4.7: a
// ready queue bounded to the number of simulated CPUs, wait/wake through
// internal/waitq, and interruptible and timed sleep. There is no
// preemption: a thread keeps its CPU until it blocks or exits. It is the
// one package allowed to construct concrete
// internal/thread.Thread values; everything else programs against the
// thread.Thread and thread.Scheduler interfaces.
//
// The fetch/decode/execute dispatch loop of the teacher's vm.CPU
// (internal/vm/exec.go, disp.go) becomes, generalized here, an admission
// loop: each simulated CPU is a goroutine that hands the processor to one
// ready thread at a time and reclaims it the instant that thread blocks or
// exits, exactly the same "one thing runs, then yields" shape, just
// applied to goroutines carrying arbitrary kernel-core work instead of
// LC-3 instructions.
package sched

import (
	stdsync "sync"

	"github.com/anillo-os/anillo/internal/thread"
)

// Thread is the concrete scheduler-owned thread record. It implements
// thread.Thread.
type Thread struct {
	id thread.ID

	mu          stdsync.Mutex
	state       thread.State
	interrupted bool
	adm         *admission

	wake chan bool
}

func newThread(id thread.ID) *Thread {
	return &Thread{
		id:    id,
		state: thread.Ready,
		wake:  make(chan bool, 1),
	}
}

func (t *Thread) ID() thread.ID { return t.id }

func (t *Thread) State() thread.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Thread) setState(s thread.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// MarkInterrupted flags the thread for cancellation and, if it is currently
// parked in WaitLocked, wakes it immediately so it can observe the mark and
// return errs.Signaled from the blocking call it was in.
func (t *Thread) MarkInterrupted() {
	t.mu.Lock()
	t.interrupted = true
	waiting := t.state == thread.Waiting
	t.mu.Unlock()

	if waiting {
		select {
		case t.wake <- false:
		default:
		}
	}
}

func (t *Thread) MarkedInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interrupted
}

func (t *Thread) currentAdmission() *admission {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.adm
}

func (t *Thread) setAdmission(a *admission) {
	t.mu.Lock()
	t.adm = a
	t.mu.Unlock()
}
