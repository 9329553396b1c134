//go:build darwin

package dnctl

import (
	"testing"

	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

func newUploadForTest() *upload {
	return &upload{
		iface:     "en0",
		nextPipe:  firstPipe,
		throttles: make(map[int]*throttleState),
	}
}

func TestUpload_NameAndPriority(t *testing.T) {
	u := newUploadForTest()
	if u.Name() != "dnctl" {
		t.Fatalf("unexpected name %q", u.Name())
	}
	if u.Priority() <= 0 {
		t.Fatal("expected a positive priority")
	}
}

func TestUpload_SupportsOnlyTrafficAll(t *testing.T) {
	u := newUploadForTest()
	if !u.SupportsTrafficType(throttle.TrafficAll) {
		t.Fatal("expected TrafficAll to be supported")
	}
	if u.SupportsTrafficType(throttle.TrafficLocal) {
		t.Fatal("expected TrafficLocal to be unsupported")
	}
}

func TestUpload_AllocatePipeIncrements(t *testing.T) {
	u := newUploadForTest()
	a := u.allocatePipe()
	b := u.allocatePipe()
	if b != a+1 {
		t.Fatalf("expected sequential pipe numbers, got %d then %d", a, b)
	}
}

func TestUpload_RejectsUnsupportedTrafficType(t *testing.T) {
	u := newUploadForTest()
	err := u.ThrottleUpload(1, "p", 1000, throttle.TrafficInternet)
	if err == nil {
		t.Fatal("expected an error for a non-TrafficAll request")
	}
}

func TestUpload_RemoveUnknownPIDIsNoop(t *testing.T) {
	u := newUploadForTest()
	if err := u.RemoveUploadThrottle(999); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestUpload_GetAndAllOnEmptyBackend(t *testing.T) {
	u := newUploadForTest()
	if _, ok := u.GetUploadThrottle(1); ok {
		t.Fatal("expected no throttle for an untouched pid")
	}
	if all := u.AllUploadThrottles(); len(all) != 0 {
		t.Fatalf("expected empty map, got %v", all)
	}
}

func TestUpload_TracksThrottleBookkeeping(t *testing.T) {
	u := newUploadForTest()
	u.throttles[7] = &throttleState{pipe: 100, processName: "curl", limitBps: 5000, conns: map[connInfo]struct{}{}}

	bps, ok := u.GetUploadThrottle(7)
	if !ok || bps != 5000 {
		t.Fatalf("expected (5000, true), got (%d, %v)", bps, ok)
	}
	all := u.AllUploadThrottles()
	if all[7] != 5000 {
		t.Fatalf("expected pid 7 in AllUploadThrottles, got %v", all)
	}
}

func TestPfRule_FormatsDummynetSyntax(t *testing.T) {
	c := connInfo{proto: socketmap.TCP, localIP: "10.0.0.5", localPort: 443, remoteIP: "93.184.216.34", remotePort: 80}
	got := pfRule("en0", c, 100)
	want := "dummynet out on en0 proto tcp from 10.0.0.5 port 443 to 93.184.216.34 port 80 pipe 100"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCapabilities_NoTrafficFilteringButBurst(t *testing.T) {
	u := newUploadForTest()
	caps := u.Capabilities()
	if caps.SupportsTrafficFiltering {
		t.Fatal("expected SupportsTrafficFiltering false")
	}
	if !caps.SupportsBurst {
		t.Fatal("expected SupportsBurst true")
	}
}
