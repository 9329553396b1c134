//go:build linux

package nft

import "github.com/ja7ad/netlimiter/pkg/throttle"

// download is a deliberately non-functional DownloadBackend: nftables'
// "socket cgroupv2" match only evaluates against the owning socket, which
// only exists on the output path. On the input hook the skb has not yet
// been associated with a socket, so a cgroup match can never succeed there.
// This type exists so the backend registry can name the gap explicitly
// instead of silently omitting an nftables download option.
type download struct{}

// NewDownloadBackend returns an nftables download backend that always
// reports itself unavailable.
func NewDownloadBackend() throttle.DownloadBackend { return &download{} }

func (d *download) Name() string                        { return "nftables-download" }
func (d *download) Priority() int                        { return 0 }
func (d *download) IsAvailable() bool                    { return false }
func (d *download) UnavailableReason() string {
	return "nftables socket cgroupv2 matching does not work on the ingress hook; use ebpfthrottle or tc instead"
}
func (d *download) SupportsTrafficType(throttle.TrafficType) bool { return false }
func (d *download) Capabilities() throttle.Capabilities           { return throttle.Capabilities{} }
func (d *download) Cleanup() error                                { return nil }

func (d *download) ThrottleDownload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	return throttle.ErrBackendUnavailable(d.Name(), d.UnavailableReason())
}
func (d *download) RemoveDownloadThrottle(pid int) error          { return nil }
func (d *download) GetDownloadThrottle(pid int) (uint64, bool)    { return 0, false }
func (d *download) AllDownloadThrottles() map[int]uint64          { return nil }
