//go:build linux

package nft

import (
	"errors"
	"testing"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

type fakeCgroupBackend struct {
	available bool
	createErr error
}

func (f *fakeCgroupBackend) BackendType() cgroup.BackendType { return cgroup.BackendV2Nftables }
func (f *fakeCgroupBackend) IsAvailable() bool                { return f.available }
func (f *fakeCgroupBackend) UnavailableReason() string        { return "fake backend disabled" }
func (f *fakeCgroupBackend) CreateCgroup(pid int, name string) (cgroup.Handle, error) {
	if f.createErr != nil {
		return cgroup.Handle{}, f.createErr
	}
	return cgroup.Handle{PID: pid, Path: "/fake/netlimiter/pid_1", Filter: "fake"}, nil
}
func (f *fakeCgroupBackend) RemoveCgroup(cgroup.Handle) error           { return nil }
func (f *fakeCgroupBackend) GetFilterExpression(h cgroup.Handle) string { return h.Filter }
func (f *fakeCgroupBackend) ListActiveCgroups() ([]cgroup.Handle, error) { return nil, nil }

func TestUploadBackend_NameAndPriority(t *testing.T) {
	u := NewUploadBackend(&fakeCgroupBackend{available: true})
	if u.Name() == "" {
		t.Fatal("expected a non-empty backend name")
	}
	if u.Priority() <= 0 {
		t.Fatal("expected a positive priority")
	}
}

func TestUploadBackend_CapabilitiesSupportTrafficFiltering(t *testing.T) {
	u := NewUploadBackend(&fakeCgroupBackend{available: true})
	caps := u.Capabilities()
	if !caps.SupportsTrafficFiltering {
		t.Fatal("expected nftables upload backend to support traffic-type filtering")
	}
}

func TestUploadBackend_UnavailableWhenCgroupBackendUnavailable(t *testing.T) {
	fake := &fakeCgroupBackend{available: false}
	u := NewUploadBackend(fake)
	if u.IsAvailable() {
		t.Fatal("expected backend to be unavailable when the cgroup backend is")
	}
	if u.UnavailableReason() == "" {
		t.Fatal("expected a non-empty unavailable reason")
	}
}

func TestUploadBackend_ThrottleFailsWhenCgroupCreationFails(t *testing.T) {
	fake := &fakeCgroupBackend{available: true, createErr: errors.New("permission denied")}
	u := NewUploadBackend(fake)

	// ensureInitialized will itself likely fail in a sandboxed test
	// environment lacking CAP_NET_ADMIN; either failure path must still
	// surface as a structured *throttle.Error, never a panic.
	err := u.ThrottleUpload(123, "curl", 1000, throttle.TrafficAll)
	if err == nil {
		t.Skip("nftables netlink access available in this environment; skipping failure-path assertion")
	}
	var throttleErr *throttle.Error
	if !errors.As(err, &throttleErr) {
		t.Fatalf("expected a *throttle.Error, got %T: %v", err, err)
	}
}

func TestUploadBackend_RemoveUnknownPIDIsNoop(t *testing.T) {
	u := NewUploadBackend(&fakeCgroupBackend{available: true})
	if err := u.RemoveUploadThrottle(999); err != nil {
		t.Fatalf("removing an untracked pid should be a no-op, got %v", err)
	}
}

func TestUploadBackend_GetAndAllOnEmptyBackend(t *testing.T) {
	u := NewUploadBackend(&fakeCgroupBackend{available: true})
	if _, ok := u.GetUploadThrottle(1); ok {
		t.Fatal("expected no throttle for an untouched pid")
	}
	if all := u.AllUploadThrottles(); len(all) != 0 {
		t.Fatalf("expected empty throttle map, got %v", all)
	}
}

func TestDownloadBackend_AlwaysUnavailable(t *testing.T) {
	d := NewDownloadBackend()
	if d.IsAvailable() {
		t.Fatal("nftables download backend must always report unavailable")
	}
	if err := d.ThrottleDownload(1, "x", 1000, throttle.TrafficAll); err == nil {
		t.Fatal("expected ThrottleDownload to fail on the nftables download stub")
	}
	if d.SupportsTrafficType(throttle.TrafficInternet) {
		t.Fatal("expected SupportsTrafficType to be false for the unavailable download stub")
	}
}
