package proc

import (
	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/frame"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/vmm"
)

// MaxTransferDIDs and MaxCopyRegions bound a single CreateRequest, playing
// the role the spec assigns to "bounded by size fields" validation of
// data copied in from user space (§4.6, step 1).
const (
	MaxTransferDIDs = 256
	MaxCopyRegions  = 64
)

// RegionCopy is one source-to-destination byte range copied into the
// child's address space during process creation (§4.6, step 3).
type RegionCopy struct {
	Data      []byte
	DestAddr  uint64
	PageCount uint64
}

// ThreadContextTemplate is the creator-supplied initial register state for
// the child's first thread (§4.6, step 4). Flags is sanitized before use:
// only FlagUserControllableMask bits survive, and the privilege and
// endianness bits are forced to fixed values regardless of what the
// creator asked for.
type ThreadContextTemplate struct {
	EntryPoint   uint64
	StackPointer uint64
	Flags        uint64

	RedirectStack    bool
	DefaultUserStack uint64
}

const (
	FlagUserControllableMask uint64 = 0x0000FFFF
	flagPrivilegeBit         uint64 = 1 << 62 // forced 0: child never inherits kernel mode
	flagEndiannessBit        uint64 = 1 << 61 // forced 1: child always little-endian
)

func sanitizeFlags(raw uint64) uint64 {
	out := raw & FlagUserControllableMask
	out &^= flagPrivilegeBit
	out |= flagEndiannessBit

	return out
}

// Context returns the sanitized thread context, redirecting the stack
// pointer to DefaultUserStack if requested.
func (tpl ThreadContextTemplate) Context() ThreadContextTemplate {
	out := tpl
	out.Flags = sanitizeFlags(tpl.Flags)

	if tpl.RedirectStack {
		out.StackPointer = tpl.DefaultUserStack
	}

	return out
}

// CreateRequest describes a process_create call (§4.6 "Descriptor
// transfer on process creation"): the child's initial thread context, the
// memory regions to copy into its address space, and the parent
// descriptors to transfer into it, positionally -- TransferDIDs[i]
// becomes the child's descriptor i.
type CreateRequest struct {
	ThreadContext ThreadContextTemplate
	Regions       []RegionCopy
	TransferDIDs  []DID
}

func (r CreateRequest) validate() error {
	if len(r.TransferDIDs) > MaxTransferDIDs || len(r.Regions) > MaxCopyRegions {
		return errs.New(errs.InvalidArgument, "proc.create")
	}

	for _, rc := range r.Regions {
		if rc.PageCount == 0 || uint64(len(rc.Data)) > rc.PageCount*frame.PageSize {
			return errs.New(errs.InvalidArgument, "proc.create")
		}
	}

	return nil
}

// Create implements process_create: it builds a child process, transfers
// the requested descriptors into it at their positional index, copies the
// requested byte regions into freshly allocated pages of the child's
// address space, and only on full success removes the transferred
// descriptors from the creator. req.ThreadContext is sanitized but not
// applied: the child's initial thread does not receive its entry point,
// stack pointer or flags.
//
// On any failure after the child process object is constructed, the child
// is killed and released before Create returns the error, so no partial
// child survives a failed call.
func Create(creator *Process, req CreateRequest, childID ID, initialThread thread.Thread, ptops vmm.PageTableOps, backingRegion *frame.Region, backingMemory *frame.Memory, sched thread.Scheduler) (*Process, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	retained, err := retainTransferObjects(creator, req.TransferDIDs)
	if err != nil {
		return nil, err
	}

	childSpace := vmm.NewAddressSpace(0, 1<<20, ptops, nil)

	child, err := New(childID, creator, initialThread, NullBinaryLoader{}, childSpace, sched, nil)
	if err != nil {
		releaseAll(retained)
		return nil, err
	}

	if err := installTransfers(child, req.TransferDIDs, retained); err != nil {
		releaseAll(retained)
		child.Kill()
		child.Release()

		return nil, err
	}

	if err := copyRegions(child, req.Regions, backingRegion, backingMemory); err != nil {
		child.Kill()
		child.Release()

		return nil, err
	}

	_ = req.ThreadContext.Context() // computed and discarded; initialThread is not given this context

	removeTransfers(creator, req.TransferDIDs)

	return child, nil
}

type retainedObj struct {
	obj interface{}
	vt  Vtable
}

func retainTransferObjects(creator *Process, dids []DID) ([]retainedObj, error) {
	out := make([]retainedObj, 0, len(dids))

	for _, did := range dids {
		obj, vt, err := creator.table.Lookup(did, true)
		if err != nil {
			releaseAll(out)
			return nil, err
		}

		out = append(out, retainedObj{obj: obj, vt: vt})
	}

	return out, nil
}

func releaseAll(objs []retainedObj) {
	for _, o := range objs {
		o.vt.Release(o.obj)
	}
}

func installTransfers(child *Process, dids []DID, retained []retainedObj) error {
	installed := make([]DID, 0, len(dids))

	for i := range dids {
		dest := DID(i)

		if err := child.table.InstallAt(dest, retained[i].obj, retained[i].vt); err != nil {
			for _, d := range installed {
				_ = child.table.Uninstall(d)
			}

			return err
		}

		installed = append(installed, dest)

		// The retain taken in retainTransferObjects was for the
		// lookup itself; InstallAt takes its own via vt.Retain, so
		// give back the lookup's reference now that the child holds
		// one of its own.
		retained[i].vt.Release(retained[i].obj)
	}

	return nil
}

func copyRegions(child *Process, regions []RegionCopy, backingRegion *frame.Region, backingMemory *frame.Memory) error {
	if len(regions) == 0 {
		return nil
	}

	var totalPages uint64
	for _, r := range regions {
		totalPages += r.PageCount
	}

	mapping, err := vmm.New(childMappingArena(child), backingRegion, totalPages, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, nil)
	if err != nil {
		return err
	}

	var cursor uint64

	for _, r := range regions {
		portion, err := mapping.InsertAllocated(cursor, r.PageCount, 0, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser)
		if err != nil {
			mapping.Release()
			return err
		}

		phys, err := portion.PhysicalAddress()
		if err != nil {
			mapping.Release()
			return err
		}

		if err := backingMemory.WriteAt(phys, r.Data); err != nil {
			mapping.Release()
			return err
		}

		cursor += r.PageCount
	}

	// Install only once every portion is in place: the first install
	// freezes the mapping's portion list.
	cursor = 0

	for _, r := range regions {
		if _, err := child.space.InsertMapping(mapping, cursor, r.PageCount, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, r.DestAddr, false); err != nil {
			mapping.Release()
			return err
		}

		cursor += r.PageCount
	}

	return nil
}

// childMappingArena returns an arena scoped to the child process. A real
// kernel keeps one arena per address space; here the child's process lock
// doubles as the arena's bookkeeping lock since both are per-process,
// short critical sections.
func childMappingArena(child *Process) *vmm.Arena {
	return vmm.NewArena(&child.lock, child.log)
}

// removeTransfers drops the creator's table entries for the transferred
// DIDs. Uninstall's vtable release here balances the retain the creator's
// original Install/InstallAt call took; it does not free the underlying
// object, since installTransfers already gave the child's table its own
// retained reference before this runs.
func removeTransfers(creator *Process, dids []DID) {
	for _, did := range dids {
		_ = creator.table.Uninstall(did)
	}
}
