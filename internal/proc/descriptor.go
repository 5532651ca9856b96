// Package proc implements the process and descriptor-table model of §4.6:
// processes own an address space and a table of descriptors (DIDs)
// referencing kernel objects -- channels, mappings, other processes -- by
// small integer handle, plus a per-process key/value store for ad hoc
// kernel-subsystem state.
//
// The descriptor table's smallest-free-slot allocation and atomic
// lookup-with-retain are grounded on the teacher's internal/vm device
// table (internal/vm/dev.go's device registry keyed by address), adapted
// from a fixed address range to an open-ended integer handle space.
package proc

import (
	"sort"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
)

// DID is a small non-negative integer identifying an object within a
// process's descriptor table (§6, GLOSSARY). InvalidDID is the reserved
// sentinel, u64::MAX.
type DID uint64

const InvalidDID DID = ^DID(0)

// Vtable is the retain/release pair a descriptor table uses to manage an
// installed object's lifetime without needing a common Go interface for
// every describable kernel object (§4.6 "install(process, object,
// vtable)").
type Vtable struct {
	Retain  func(obj interface{})
	Release func(obj interface{})
}

type descriptor struct {
	obj interface{}
	vt  Vtable
}

// DescriptorTable is one process's DID -> object registry (§4.6).
type DescriptorTable struct {
	lock isync.Spinlock

	entries map[DID]descriptor

	nextLowestDID DID
	highestDID    DID
	count         int

	log *log.Logger
}

// NewDescriptorTable creates an empty descriptor table.
func NewDescriptorTable(logger *log.Logger) *DescriptorTable {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &DescriptorTable{
		entries:    make(map[DID]descriptor),
		highestDID: InvalidDID,
		log:        logger,
	}
}

// Install retains obj via vt and assigns it the smallest free DID.
func (t *DescriptorTable) Install(obj interface{}, vt Vtable) (DID, error) {
	if vt.Retain == nil || vt.Release == nil {
		return InvalidDID, errs.New(errs.InvalidArgument, "proc.install")
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	did := t.findFreeLocked()

	vt.Retain(obj)

	t.entries[did] = descriptor{obj: obj, vt: vt}
	t.count++

	if t.highestDID == InvalidDID || did > t.highestDID {
		t.highestDID = did
	}

	t.nextLowestDID = did + 1

	return did, nil
}

// InstallAt is Install, but at a caller-chosen DID (used for descriptor
// transfer on process creation, §4.6, where the destination index is
// fixed by the creator's request). It fails with errs.AlreadyInProgress if
// did is already occupied.
func (t *DescriptorTable) InstallAt(did DID, obj interface{}, vt Vtable) error {
	if vt.Retain == nil || vt.Release == nil {
		return errs.New(errs.InvalidArgument, "proc.install_at")
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.entries[did]; ok {
		return errs.New(errs.AlreadyInProgress, "proc.install_at")
	}

	vt.Retain(obj)

	t.entries[did] = descriptor{obj: obj, vt: vt}
	t.count++

	if t.highestDID == InvalidDID || did > t.highestDID {
		t.highestDID = did
	}

	return nil
}

func (t *DescriptorTable) findFreeLocked() DID {
	for did := t.nextLowestDID; ; did++ {
		if _, ok := t.entries[did]; !ok {
			return did
		}
	}
}

// Uninstall releases the object at did via its vtable and frees the slot.
func (t *DescriptorTable) Uninstall(did DID) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	d, ok := t.entries[did]
	if !ok {
		return errs.New(errs.NoSuchResource, "proc.uninstall")
	}

	delete(t.entries, did)
	t.count--

	d.vt.Release(d.obj)

	if did < t.nextLowestDID {
		t.nextLowestDID = did
	}

	if did == t.highestDID {
		t.highestDID = t.recomputeHighestLocked()
	}

	return nil
}

func (t *DescriptorTable) recomputeHighestLocked() DID {
	if len(t.entries) == 0 {
		return InvalidDID
	}

	highest := DID(0)
	first := true

	for did := range t.entries {
		if first || did > highest {
			highest = did
			first = false
		}
	}

	return highest
}

// Lookup resolves did to its object and vtable. If retain is true, the
// object is retained before Lookup returns, atomically with respect to a
// concurrent Uninstall, so the caller's reference remains valid even if
// the descriptor is removed immediately afterward.
func (t *DescriptorTable) Lookup(did DID, retain bool) (interface{}, Vtable, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	d, ok := t.entries[did]
	if !ok {
		return nil, Vtable{}, errs.New(errs.NoSuchResource, "proc.lookup")
	}

	if retain {
		d.vt.Retain(d.obj)
	}

	return d.obj, d.vt, nil
}

// DIDs returns every installed DID in ascending order. Intended for
// iteration and tests.
func (t *DescriptorTable) DIDs() []DID {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make([]DID, 0, len(t.entries))
	for did := range t.entries {
		out = append(out, did)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Count reports the number of installed descriptors.
func (t *DescriptorTable) Count() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.count
}

// CloseAll uninstalls every descriptor, releasing each object via its
// vtable. Used during process teardown (§4.6 "release: ... close
// descriptors").
func (t *DescriptorTable) CloseAll() {
	t.lock.Lock()
	entries := t.entries
	t.entries = make(map[DID]descriptor)
	t.count = 0
	t.nextLowestDID = 0
	t.highestDID = InvalidDID
	t.lock.Unlock()

	for _, d := range entries {
		d.vt.Release(d.obj)
	}
}
