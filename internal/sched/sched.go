package sched

import (
	"context"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/waitq"
)

// admission is a one-shot exchange between a parked thread's goroutine and
// the CPU loop that will run it next: the CPU closes proceed to hand over
// the processor, and the thread closes release when it gives it back
// (because it blocked or finished).
type admission struct {
	proceed chan struct{}
	release chan struct{}
}

// Scheduler is the round-robin scheduler of §4.7. It owns one
// internal/sync.CPU per simulated processor (for IntSpinlock's IPI
// draining) and admits at most len(cpus) threads to run concurrently.
type Scheduler struct {
	mu      stdsync.Mutex
	threads map[thread.ID]*Thread
	nextID  uint64

	cpus  []*isync.CPU
	ready chan *admission

	group  *errgroup.Group
	cancel context.CancelFunc

	log *log.Logger
}

// New creates a scheduler simulating numCPU processors. numCPU is clamped
// to at least one.
func New(numCPU int, logger *log.Logger) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}

	if logger == nil {
		logger = log.DefaultLogger()
	}

	s := &Scheduler{
		threads: make(map[thread.ID]*Thread),
		ready:   make(chan *admission),
		log:     logger,
	}

	for i := 0; i < numCPU; i++ {
		s.cpus = append(s.cpus, isync.NewCPU(i))
	}

	return s
}

// CPUs exposes the per-CPU state (IPI queues) so internal/vmm can enqueue
// TLB shootdown work against them.
func (s *Scheduler) CPUs() []*isync.CPU { return s.cpus }

// Run starts one dispatch goroutine per simulated CPU, managed by an
// errgroup.Group bound to ctx: cancelling ctx (or Shutdown) stops every CPU
// loop, and Wait then returns the first loop's error, which is the
// context's error.
func (s *Scheduler) Run(ctx context.Context) {
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)

	for _, cpu := range s.cpus {
		cpu := cpu
		g.Go(func() error { return s.cpuLoop(gctx, cpu) })
	}

	s.mu.Lock()
	s.group = g
	s.cancel = cancel
	s.mu.Unlock()
}

// Shutdown stops every CPU loop. Wait still needs to be called to observe
// completion.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every CPU loop has returned.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()

	if g == nil {
		return nil
	}

	return g.Wait()
}

func (s *Scheduler) cpuLoop(ctx context.Context, cpu *isync.CPU) error {
	for {
		cpu.Drain()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-s.ready:
			close(a.proceed)

			select {
			case <-a.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// NewThread allocates a scheduler-owned thread record in the ready state.
func (s *Scheduler) NewThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := thread.ID(s.nextID)
	s.nextID++

	t := newThread(id)
	s.threads[id] = t

	return t
}

// Spawn starts fn running as t, admitting it through a CPU loop the same
// way every other thread is admitted. The returned channel receives fn's
// error exactly once, when t finishes.
func (s *Scheduler) Spawn(ctx context.Context, t *Thread, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)

	go func() {
		a := s.acquireCPU(ctx, t)
		tctx := thread.WithThread(ctx, t)

		err := fn(tctx)

		t.setState(thread.Dead)
		close(a.release)
		done <- err
	}()

	return done
}

func (s *Scheduler) acquireCPU(ctx context.Context, t *Thread) *admission {
	a := &admission{proceed: make(chan struct{}), release: make(chan struct{})}

	t.setState(thread.Ready)

	select {
	case s.ready <- a:
	case <-ctx.Done():
		return a
	}

	select {
	case <-a.proceed:
	case <-ctx.Done():
	}

	t.setState(thread.Running)
	t.setAdmission(a)

	return a
}

// WaitLocked implements thread.Scheduler: it unlocks wq, releases the
// calling thread's CPU so another ready thread can run, and parks until
// either a wake callback fires or the thread is marked interrupted.
func (s *Scheduler) WaitLocked(ctx context.Context, wq *waitq.WaitQueue) bool {
	th := thread.FromContext(ctx)

	t, ok := th.(*Thread)
	if !ok || t == nil {
		wq.Unlock()
		return false
	}

	a := t.currentAdmission()
	t.setState(thread.Waiting)

	w := waitq.NewWaiter(func() {
		select {
		case t.wake <- true:
		default:
		}
	})

	wq.AddLocked(w)
	wq.Unlock()

	if a != nil {
		close(a.release)
	}

	var woke bool

	select {
	case woke = <-t.wake:
	case <-ctx.Done():
		wq.Remove(w)
		woke = false
	}

	s.acquireCPU(ctx, t)

	return woke
}

// Sleep suspends the calling thread for d, an interruptible timed sleep
// (§5 "Suspension points"). It returns errs.Signaled if the thread is
// marked interrupted before or during the sleep.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	th := thread.FromContext(ctx)

	t, ok := th.(*Thread)
	if !ok || t == nil {
		time.Sleep(d)
		return nil
	}

	if t.MarkedInterrupted() {
		return errs.New(errs.Signaled, "sched.sleep")
	}

	wq := waitq.New(s.log)

	timer := time.AfterFunc(d, func() {
		wq.WakeN(1)
	})
	defer timer.Stop()

	wq.Lock()

	if !s.WaitLocked(ctx, wq) {
		return errs.New(errs.Signaled, "sched.sleep")
	}

	return nil
}

// Resume moves a waiting or suspended thread back to ready and wakes it if
// it is parked.
func (s *Scheduler) Resume(th thread.Thread) {
	t, ok := th.(*Thread)
	if !ok {
		return
	}

	t.setState(thread.Ready)

	select {
	case t.wake <- true:
	default:
	}
}

// Suspend moves a ready or running thread to suspended. A running thread
// observes the state at its next suspension point.
func (s *Scheduler) Suspend(th thread.Thread) {
	t, ok := th.(*Thread)
	if !ok {
		return
	}

	t.setState(thread.Suspended)
}

// Kill marks t interrupted and dying; per §5, the thread is never torn
// down mid-operation, it exits through its own return path the next time
// it passes a cancellable call.
func (s *Scheduler) Kill(th thread.Thread) {
	t, ok := th.(*Thread)
	if !ok {
		return
	}

	t.setState(thread.Dying)
	t.MarkInterrupted()
}
