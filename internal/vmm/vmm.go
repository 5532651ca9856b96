// Package vmm implements the virtual memory manager of §4.2-§4.3: a
// reference-counted, shareable Mapping built from Portions, and an
// AddressSpace that reserves virtual ranges and installs mappings into
// them. A Mapping holds its Portions by pointer, but a shared Portion
// refers to its backing mapping only by arena-issued ID, which breaks the
// mapping <-> portion <-> backing mapping cycle. Nested sharing is not
// flattened at insert time: resolving a shared portion follows the chain
// of backing mappings one lookup at a time.
//
// The region-backed allocation model follows the teacher's vm.Memory
// (internal/vm/mem.go), generalized from one fixed PhysicalMemory array
// with a single owner to many reference-counted, shareable mappings drawn
// from an internal/frame.Region.
package vmm

import (
	"math"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
)

// InvalidID is the reserved sentinel for both MappingID and PortionID,
// matching the u64::MAX sentinel of spec §6.
const InvalidID = ^uint64(0)

type MappingID uint64
type PortionID uint64

// MaxPageCount is the largest page count a single Mapping may have (2^32 -
// 1 pages, per §3).
const MaxPageCount = math.MaxUint32

// Flags are bit flags shared by mappings, portions, and space mappings.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagShared // set on a mapping created explicitly for cross-space sharing
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Arena is the registry that owns every live Mapping and Portion, indexed
// by arena-issued ID. A Portion's backing-mapping reference is stored as
// an ID and resolved through the Arena.
type Arena struct {
	mu        Locker
	mappings  map[MappingID]*Mapping
	portions  map[PortionID]*Portion
	nextMapID uint64
	nextPorID uint64

	log *log.Logger
}

// Locker is satisfied by internal/sync.Spinlock; declared locally so vmm
// does not need to import internal/sync just for this one method set.
type Locker interface {
	Lock()
	Unlock()
}

// NewArena creates an empty arena. lock guards the id->object maps; callers
// typically pass a fresh *sync.Spinlock (region -> address space -> mapping
// -> portion is the lock order of §5, and the arena's own bookkeeping lock
// sits logically alongside the mapping lock).
func NewArena(lock Locker, logger *log.Logger) *Arena {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Arena{
		mu:       lock,
		mappings: make(map[MappingID]*Mapping),
		portions: make(map[PortionID]*Portion),
		log:      logger,
	}
}

func (a *Arena) registerMapping(m *Mapping) MappingID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := MappingID(a.nextMapID)
	a.nextMapID++
	a.mappings[id] = m

	return id
}

func (a *Arena) registerPortion(p *Portion) PortionID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := PortionID(a.nextPorID)
	a.nextPorID++
	a.portions[id] = p

	return id
}

// Mapping resolves a mapping ID, or nil if it no longer exists.
func (a *Arena) Mapping(id MappingID) *Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.mappings[id]
}

// Portion resolves a portion ID, or nil if it no longer exists.
func (a *Arena) Portion(id PortionID) *Portion {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.portions[id]
}

func (a *Arena) forgetMapping(id MappingID) {
	a.mu.Lock()
	delete(a.mappings, id)
	a.mu.Unlock()
}

func (a *Arena) forgetPortion(id PortionID) {
	a.mu.Lock()
	delete(a.portions, id)
	a.mu.Unlock()
}

// outage is a small helper so every file in the package raises errs
// consistently.
func outage(kind errs.Kind, op string) error { return errs.New(kind, op) }
