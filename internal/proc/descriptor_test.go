package proc_test

import (
	"testing"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/proc"
)

type refcounted struct {
	retained int
	released int
}

func vtableFor(r *refcounted) proc.Vtable {
	return proc.Vtable{
		Retain:  func(interface{}) { r.retained++ },
		Release: func(interface{}) { r.released++ },
	}
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	table := proc.NewDescriptorTable(nil)

	obj := &refcounted{}

	did, err := table.Install(obj, vtableFor(obj))
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	if obj.retained != 1 {
		t.Fatalf("install: retained = %d, want 1", obj.retained)
	}

	got, _, err := table.Lookup(did, false)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if got != obj {
		t.Fatal("lookup: wrong object")
	}

	if err := table.Uninstall(did); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	if obj.released != 1 {
		t.Fatalf("uninstall: released = %d, want 1", obj.released)
	}

	if _, _, err := table.Lookup(did, false); errs.KindOf(err) != errs.NoSuchResource {
		t.Fatalf("lookup after uninstall: got kind %v, want NoSuchResource", errs.KindOf(err))
	}

	if table.Count() != 0 {
		t.Fatalf("count after uninstall: %d, want 0", table.Count())
	}
}

func TestInstallAssignsSmallestFreeDID(t *testing.T) {
	table := proc.NewDescriptorTable(nil)

	obj1, obj2, obj3 := &refcounted{}, &refcounted{}, &refcounted{}

	did1, _ := table.Install(obj1, vtableFor(obj1))
	did2, _ := table.Install(obj2, vtableFor(obj2))

	if did1 != 0 || did2 != 1 {
		t.Fatalf("install: got dids %d,%d, want 0,1", did1, did2)
	}

	if err := table.Uninstall(did1); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	did3, _ := table.Install(obj3, vtableFor(obj3))
	if did3 != did1 {
		t.Fatalf("install after free: got did %d, want reused %d", did3, did1)
	}
}

func TestInstallAtRejectsOccupiedSlot(t *testing.T) {
	table := proc.NewDescriptorTable(nil)

	obj1, obj2 := &refcounted{}, &refcounted{}

	if err := table.InstallAt(5, obj1, vtableFor(obj1)); err != nil {
		t.Fatalf("install at 5: %v", err)
	}

	err := table.InstallAt(5, obj2, vtableFor(obj2))
	if errs.KindOf(err) != errs.AlreadyInProgress {
		t.Fatalf("install at occupied slot: got kind %v, want AlreadyInProgress", errs.KindOf(err))
	}
}

func TestLookupWithRetain(t *testing.T) {
	table := proc.NewDescriptorTable(nil)
	obj := &refcounted{}

	did, _ := table.Install(obj, vtableFor(obj))

	if _, _, err := table.Lookup(did, true); err != nil {
		t.Fatalf("lookup retain: %v", err)
	}

	if obj.retained != 2 {
		t.Fatalf("lookup retain: retained = %d, want 2", obj.retained)
	}
}

func TestCloseAllReleasesEveryDescriptor(t *testing.T) {
	table := proc.NewDescriptorTable(nil)

	objs := []*refcounted{{}, {}, {}}
	for _, o := range objs {
		if _, err := table.Install(o, vtableFor(o)); err != nil {
			t.Fatalf("install: %v", err)
		}
	}

	table.CloseAll()

	for i, o := range objs {
		if o.released != 1 {
			t.Fatalf("closeall: obj %d released = %d, want 1", i, o.released)
		}
	}

	if table.Count() != 0 {
		t.Fatalf("count after closeall: %d, want 0", table.Count())
	}
}
