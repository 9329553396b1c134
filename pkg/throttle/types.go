// Package throttle defines the upload/download backend interfaces and the
// Manager that coordinates them: lazy backend pools, pid-to-backend routing
// tables, and the invariant that changing a default backend never migrates
// throttles that already exist under a different one.
package throttle

import "github.com/ja7ad/netlimiter/pkg/bpfdata"

// TrafficType re-exports bpfdata's traffic-type enum so callers outside the
// kernel-data layer don't need to import bpfdata just to pass a filter
// selector around.
type TrafficType = bpfdata.TrafficType

const (
	TrafficAll      = bpfdata.TrafficAll
	TrafficInternet = bpfdata.TrafficInternet
	TrafficLocal    = bpfdata.TrafficLocal
)

// ThrottleLimit is the rate limit requested for a process, independently
// per direction; either may be absent.
type ThrottleLimit struct {
	UploadBps   *uint64
	DownloadBps *uint64
	TrafficType TrafficType
}

// ActiveThrottle joins the routing-table lookups for one PID into the view
// callers actually want: the limits in effect and the process name they
// were applied under.
type ActiveThrottle struct {
	PID         int
	ProcessName string
	UploadBps   *uint64
	DownloadBps *uint64
}

// Capabilities describes what one backend instance can and cannot do, so
// the CLI/UI layer can reject an incompatible selection before invoking it.
type Capabilities struct {
	SupportsTrafficFiltering bool
	SupportsBurst            bool
}

// BackendInfo names one registered backend and its priority ranking; higher
// priority backends are preferred by automatic selection.
type BackendInfo struct {
	Name      string
	Priority  int
	Available bool
	Reason    string // populated when Available is false
}
