package proc

import (
	"sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/vmm"
	"github.com/anillo-os/anillo/internal/waitq"
)

// ID is a process's stable, process-registry-wide identifier.
type ID uint64

const InvalidID ID = ^ID(0)

// BinaryLoader is the external loader collaborator consumed from the
// userspace/firmware side (§6): given a fresh address space, it installs
// whatever mappings the binary needs and reports the thread's entry
// point. A no-op implementation is provided for tests and for processes
// created without a backing binary (e.g. descriptor-transfer children,
// which inherit their initial context from the creator instead).
type BinaryLoader interface {
	Load(space *vmm.AddressSpace) (entryPoint uint64, err error)
}

// NullBinaryLoader installs nothing and reports entry point zero.
type NullBinaryLoader struct{}

func (NullBinaryLoader) Load(*vmm.AddressSpace) (uint64, error) { return 0, nil }

// Process is one kernel process: an address space, a descriptor table, a
// per-process key/value store, and the threads running within it (§4.6).
type Process struct {
	id ID

	lock isync.Spinlock

	space *vmm.AddressSpace
	table *DescriptorTable
	store *Store

	threads map[thread.ID]thread.Thread

	refcount atomic.Int64

	parent       *Process
	parentWaiter *waitq.Waiter

	killed      bool
	finalStatus int
	deathWait   *waitq.WaitQueue
	destroyWait *waitq.WaitQueue

	sched thread.Scheduler
	log   *log.Logger
}

// New creates a process over the given address space and initial thread,
// retaining parent (if non-nil) and registering a waiter on its death
// wait queue so the child is killed if the parent dies first -- the
// resolution adopted here for the otherwise-unspecified parent-death
// behavior named in §4.6.
func New(id ID, parent *Process, initialThread thread.Thread, binary BinaryLoader, space *vmm.AddressSpace, sched thread.Scheduler, logger *log.Logger) (*Process, error) {
	if initialThread == nil || space == nil {
		return nil, errs.New(errs.InvalidArgument, "proc.new")
	}

	if binary == nil {
		binary = NullBinaryLoader{}
	}

	if logger == nil {
		logger = log.DefaultLogger()
	}

	if _, err := binary.Load(space); err != nil {
		return nil, err
	}

	p := &Process{
		id:          id,
		space:       space,
		table:       NewDescriptorTable(logger),
		store:       NewStore(),
		threads:     map[thread.ID]thread.Thread{initialThread.ID(): initialThread},
		deathWait:   waitq.New(logger),
		destroyWait: waitq.New(logger),
		sched:       sched,
		log:         logger,
	}
	p.refcount.Store(1)

	if parent != nil {
		parent.Retain()
		p.parent = parent
		p.parentWaiter = waitq.NewWaiter(func() { p.Kill() })
		parent.deathWait.Add(p.parentWaiter)
	}

	return p, nil
}

func (p *Process) ID() ID                          { return p.id }
func (p *Process) AddressSpace() *vmm.AddressSpace { return p.space }
func (p *Process) Descriptors() *DescriptorTable   { return p.table }
func (p *Process) Store() *Store                   { return p.store }
func (p *Process) DeathWait() *waitq.WaitQueue     { return p.deathWait }
func (p *Process) DestroyWait() *waitq.WaitQueue   { return p.destroyWait }

// FinalStatus returns the process's exit status, valid once the death
// wait queue has fired.
func (p *Process) FinalStatus() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.finalStatus
}

// Retain increments the process's reference count.
func (p *Process) Retain() { p.refcount.Add(1) }

// Release decrements the process's reference count. At zero: wake
// death_wait, close descriptors, unmap the address space, wake
// destroy_wait, then release the parent reference (§4.6 "release").
func (p *Process) Release() {
	if p.refcount.Add(-1) > 0 {
		return
	}

	p.lock.Lock()
	if !p.killed {
		p.killed = true
	}
	p.lock.Unlock()

	p.deathWait.WakeN(-1)
	p.table.CloseAll()
	p.store.ClearAll()
	p.space.Destroy()
	p.destroyWait.WakeN(-1)

	if p.parent != nil {
		p.parent.deathWait.Remove(p.parentWaiter)
		p.parent.Release()
	}
}

// Kill terminates every thread in the process and stores status -1 as its
// final status (§4.6 "kill"). Resource release happens through the normal
// reference-counted path once the last thread/handle drops away; Kill
// itself only marks threads and records the status the first time it
// runs.
func (p *Process) Kill() {
	p.lock.Lock()

	if p.killed {
		p.lock.Unlock()
		return
	}

	p.killed = true
	p.finalStatus = -1
	threads := make([]thread.Thread, 0, len(p.threads))

	for _, t := range p.threads {
		threads = append(threads, t)
	}

	p.lock.Unlock()

	for _, t := range threads {
		if p.sched != nil {
			p.sched.Kill(t)
		} else {
			t.MarkInterrupted()
		}
	}
}

// Suspend fans out to every thread in the process.
func (p *Process) Suspend() {
	p.lock.Lock()
	threads := make([]thread.Thread, 0, len(p.threads))

	for _, t := range p.threads {
		threads = append(threads, t)
	}

	p.lock.Unlock()

	for _, t := range threads {
		if p.sched != nil {
			p.sched.Suspend(t)
		}
	}
}

// Resume fans out to every thread in the process.
func (p *Process) Resume() {
	p.lock.Lock()
	threads := make([]thread.Thread, 0, len(p.threads))

	for _, t := range p.threads {
		threads = append(threads, t)
	}

	p.lock.Unlock()

	for _, t := range threads {
		if p.sched != nil {
			p.sched.Resume(t)
		}
	}
}

// AddThread registers an additional thread as running within the process.
func (p *Process) AddThread(t thread.Thread) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.threads[t.ID()] = t
}

// RemoveThread unregisters a thread, e.g. once it has exited.
func (p *Process) RemoveThread(id thread.ID) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.threads, id)
}

// ForEachThread calls fn for every thread in the process, stopping early
// and returning errs.Cancelled if fn returns false (§4.6
// "for_each_thread").
func (p *Process) ForEachThread(fn func(thread.Thread) bool) error {
	p.lock.Lock()
	threads := make([]thread.Thread, 0, len(p.threads))

	for _, t := range p.threads {
		threads = append(threads, t)
	}

	p.lock.Unlock()

	for _, t := range threads {
		if !fn(t) {
			return errs.New(errs.Cancelled, "proc.for_each_thread")
		}
	}

	return nil
}
