//go:build linux

package tc

import (
	"errors"
	"testing"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

type fakeCgroupBackend struct {
	available  bool
	createErr  error
	nextHandle cgroup.Handle
	removed    []cgroup.Handle
}

func (f *fakeCgroupBackend) BackendType() cgroup.BackendType { return cgroup.BackendV1 }
func (f *fakeCgroupBackend) IsAvailable() bool                { return f.available }
func (f *fakeCgroupBackend) UnavailableReason() string        { return "fake cgroup backend disabled" }
func (f *fakeCgroupBackend) CreateCgroup(pid int, name string) (cgroup.Handle, error) {
	if f.createErr != nil {
		return cgroup.Handle{}, f.createErr
	}
	if f.nextHandle.Path != "" {
		return f.nextHandle, nil
	}
	return cgroup.Handle{PID: pid, Path: "/fake/cgroup", Filter: "1:7", Type: cgroup.BackendV1}, nil
}
func (f *fakeCgroupBackend) RemoveCgroup(h cgroup.Handle) error {
	f.removed = append(f.removed, h)
	return nil
}
func (f *fakeCgroupBackend) GetFilterExpression(h cgroup.Handle) string { return h.Filter }
func (f *fakeCgroupBackend) ListActiveCgroups() ([]cgroup.Handle, error) { return nil, nil }

func newHtbUploadForTest(ops *fakeNetlinkOps, cg cgroup.Backend) *htbUpload {
	return &htbUpload{
		ops:         ops,
		cg:          cg,
		nextClassid: firstClassid,
		throttles:   make(map[int]*htbThrottleInfo),
	}
}

func TestHtbUpload_NameAndPriority(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: true})
	if h.Name() != "tc-htb" {
		t.Fatalf("unexpected name %q", h.Name())
	}
	if h.Priority() <= 0 {
		t.Fatal("expected positive priority")
	}
}

func TestHtbUpload_SupportsOnlyTrafficAll(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: true})
	if !h.SupportsTrafficType(throttle.TrafficAll) {
		t.Fatal("expected TrafficAll to be supported")
	}
	if h.SupportsTrafficType(throttle.TrafficInternet) {
		t.Fatal("expected TrafficInternet to be unsupported (TC has no IP-based filtering)")
	}
}

func TestHtbUpload_UnavailableWhenCgroupUnavailable(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: false})
	if h.IsAvailable() {
		t.Fatal("expected unavailable")
	}
}

func TestHtbUpload_ThrottleUploadUsesV1Classid(t *testing.T) {
	ops := newFakeNetlinkOps().withLink("eth0", 2)
	h := newHtbUploadForTest(ops, &fakeCgroupBackend{available: true})
	h.iface = "eth0"
	h.initialized = true

	if err := h.ThrottleUpload(100, "curl", 5000, throttle.TrafficAll); err != nil {
		t.Fatalf("ThrottleUpload: %v", err)
	}

	info, ok := h.throttles[100]
	if !ok {
		t.Fatal("expected throttle to be tracked")
	}
	if info.classid != 7 {
		t.Fatalf("expected classid 7 (from net_cls filter 1:7), got %d", info.classid)
	}
	if len(ops.addedClasses) != 1 {
		t.Fatalf("expected one htb class to be added, got %d", len(ops.addedClasses))
	}
}

func TestHtbUpload_RejectsNonAllTrafficType(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: true})
	err := h.ThrottleUpload(1, "p", 1000, throttle.TrafficInternet)
	if err == nil {
		t.Fatal("expected an error for a non-TrafficAll request")
	}
	var te *throttle.Error
	if !errors.As(err, &te) || te.Kind != throttle.UnsupportedTrafficType {
		t.Fatalf("expected UnsupportedTrafficType error, got %v", err)
	}
}

func TestHtbUpload_RemoveUnknownPIDIsNoop(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: true})
	if err := h.RemoveUploadThrottle(999); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestHtbUpload_GetAndAllReflectThrottles(t *testing.T) {
	ops := newFakeNetlinkOps().withLink("eth0", 2)
	h := newHtbUploadForTest(ops, &fakeCgroupBackend{available: true})
	h.iface = "eth0"
	h.initialized = true

	if err := h.ThrottleUpload(5, "p", 2000, throttle.TrafficAll); err != nil {
		t.Fatalf("ThrottleUpload: %v", err)
	}
	bps, ok := h.GetUploadThrottle(5)
	if !ok || bps != 2000 {
		t.Fatalf("expected (2000, true), got (%d, %v)", bps, ok)
	}
	all := h.AllUploadThrottles()
	if all[5] != 2000 {
		t.Fatalf("expected all throttles to include pid 5, got %v", all)
	}

	if err := h.RemoveUploadThrottle(5); err != nil {
		t.Fatalf("RemoveUploadThrottle: %v", err)
	}
	if _, ok := h.GetUploadThrottle(5); ok {
		t.Fatal("expected throttle to be gone after removal")
	}
}

func TestHtbUpload_CapabilitiesReportBurstNoFiltering(t *testing.T) {
	h := newHtbUploadForTest(newFakeNetlinkOps(), &fakeCgroupBackend{available: true})
	caps := h.Capabilities()
	if !caps.SupportsBurst {
		t.Fatal("expected SupportsBurst true")
	}
	if caps.SupportsTrafficFiltering {
		t.Fatal("expected SupportsTrafficFiltering false")
	}
}
