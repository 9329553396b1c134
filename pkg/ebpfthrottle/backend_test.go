//go:build linux

package ebpfthrottle

import (
	"errors"
	"testing"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// fakeCgroupBackend is a minimal cgroup.Backend double: it hands out
// deterministic paths without touching the filesystem, so tests can exercise
// the bookkeeping in backend.go without root or a mounted cgroup hierarchy.
type fakeCgroupBackend struct {
	available    bool
	createErr    error
	removeErr    error
	removedPaths []string
}

func (f *fakeCgroupBackend) BackendType() cgroup.BackendType { return cgroup.BackendV2Ebpf }
func (f *fakeCgroupBackend) IsAvailable() bool                { return f.available }
func (f *fakeCgroupBackend) UnavailableReason() string        { return "fake backend disabled" }

func (f *fakeCgroupBackend) CreateCgroup(pid int, name string) (cgroup.Handle, error) {
	if f.createErr != nil {
		return cgroup.Handle{}, f.createErr
	}
	return cgroup.Handle{PID: pid, Path: "/fake/cgroup/" + name, Filter: "fake-filter", Type: cgroup.BackendV2Ebpf}, nil
}

func (f *fakeCgroupBackend) RemoveCgroup(h cgroup.Handle) error {
	f.removedPaths = append(f.removedPaths, h.Path)
	return f.removeErr
}

func (f *fakeCgroupBackend) GetFilterExpression(h cgroup.Handle) string { return h.Filter }

func (f *fakeCgroupBackend) ListActiveCgroups() ([]cgroup.Handle, error) { return nil, nil }

func TestBackend_IsAvailableDelegatesToCgroupBackend(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)
	if !b.isAvailable() {
		t.Fatal("expected backend to report available when cgroup backend does")
	}

	fake.available = false
	if b.isAvailable() {
		t.Fatal("expected backend to report unavailable when cgroup backend does")
	}
}

func TestBackend_ApplyFailsWhenCgroupCreationFails(t *testing.T) {
	fake := &fakeCgroupBackend{available: true, createErr: errors.New("no permission")}
	b := newBackend(directionEgress, fake)

	err := b.apply(100, "curl", 1000, throttle.TrafficAll)
	if err == nil {
		t.Fatal("expected error when cgroup creation fails")
	}
	var throttleErr *throttle.Error
	if !errors.As(err, &throttleErr) {
		t.Fatalf("expected a *throttle.Error, got %T: %v", err, err)
	}
	if throttleErr.Kind != throttle.RuleInsertionFailed {
		t.Fatalf("expected RuleInsertionFailed, got %v", throttleErr.Kind)
	}
}

func TestBackend_ApplyFailsWhenBPFObjectsUnavailable(t *testing.T) {
	// The compiled bpf2go artifact never exists in this environment, so the
	// attach step must fail cleanly rather than panic, and the cgroup it
	// provisionally created must not be left dangling in byPath/byPID.
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)

	err := b.apply(200, "rsync", 5000, throttle.TrafficInternet)
	if err == nil {
		t.Fatal("expected error since no bpf object file is present")
	}
	var throttleErr *throttle.Error
	if !errors.As(err, &throttleErr) {
		t.Fatalf("expected a *throttle.Error, got %T: %v", err, err)
	}
	if throttleErr.Kind != throttle.BackendUnavailable {
		t.Fatalf("expected BackendUnavailable, got %v", throttleErr.Kind)
	}

	if _, ok := b.byPID[200]; ok {
		t.Fatal("pid must not be routed to a cgroup whose attach failed")
	}
	if len(b.byPath) != 0 {
		t.Fatalf("expected no cgroup state left behind, got %d entries", len(b.byPath))
	}
}

func TestBackend_RemoveUnknownPIDIsNoop(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)

	if err := b.remove(999); err != nil {
		t.Fatalf("removing an untracked pid should be a no-op, got %v", err)
	}
}

func TestBackend_RefcountDecrementsOnRemove(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)

	state := &cgroupState{refcount: 2}
	b.byPath["/fake/cgroup/shared"] = state
	b.byPID[1] = "/fake/cgroup/shared"
	b.byPID[2] = "/fake/cgroup/shared"
	b.limits[1] = 1000
	b.limits[2] = 2000

	if err := b.remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if state.refcount != 1 {
		t.Fatalf("expected refcount 1 after first removal, got %d", state.refcount)
	}
	if _, ok := b.limits[1]; ok {
		t.Fatal("expected limit entry for removed pid to be cleared")
	}
	if _, ok := b.limits[2]; !ok {
		t.Fatal("expected limit entry for the other pid sharing the cgroup to survive")
	}

	if err := b.remove(2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if state.refcount != 0 {
		t.Fatalf("expected refcount 0 after both removals, got %d", state.refcount)
	}
}

func TestBackend_GetAndAllReflectLimits(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)
	b.limits[10] = 4096
	b.limits[20] = 8192

	v, ok := b.get(10)
	if !ok || v != 4096 {
		t.Fatalf("get(10) = %d, %v; want 4096, true", v, ok)
	}

	if _, ok := b.get(30); ok {
		t.Fatal("get on unknown pid should report false")
	}

	all := b.all()
	if len(all) != 2 || all[10] != 4096 || all[20] != 8192 {
		t.Fatalf("unexpected all(): %v", all)
	}

	// Mutating the returned map must not affect backend state.
	all[10] = 0
	if v, _ := b.get(10); v != 4096 {
		t.Fatal("all() must return a defensive copy")
	}
}

func TestBackend_NameDiffersByDirection(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	egress := newBackend(directionEgress, fake)
	ingress := newBackend(directionIngress, fake)

	if egress.name() == ingress.name() {
		t.Fatal("expected distinct names for egress and ingress backends")
	}
}

func TestBackend_CapabilitiesReportBurstAndFiltering(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	b := newBackend(directionEgress, fake)
	caps := b.capabilities()
	if !caps.SupportsBurst || !caps.SupportsTrafficFiltering {
		t.Fatalf("expected full capability support, got %+v", caps)
	}
}

func TestNewUploadAndDownloadBackendsWireDirection(t *testing.T) {
	fake := &fakeCgroupBackend{available: true}
	up := NewUploadBackend(fake)
	down := NewDownloadBackend(fake)

	if up.Name() == down.Name() {
		t.Fatal("expected upload and download backend names to differ")
	}
	if up.Priority() != 100 || down.Priority() != 100 {
		t.Fatal("expected both directions to report the same backend priority")
	}
}
