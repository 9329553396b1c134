//go:build linux

package tc

import (
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// policerDownload is the lowest-priority download fallback: a single u32
// match-all filter with a police action on the ingress qdisc. It cannot
// single out one process's traffic — the kernel has no handle on a PID once
// a packet is in flight without cgroup or eBPF help — so it applies one
// global rate and the most recent call wins, same as the original CLI-driven
// implementation this is ported from.
type policerDownload struct {
	ops netlinkOps

	mu          sync.Mutex
	iface       string
	initialized bool
	activePID   int
	limitBps    uint64
}

// NewPolicerDownloadBackend returns the global TC-police download fallback.
func NewPolicerDownloadBackend() throttle.DownloadBackend {
	return &policerDownload{ops: realNetlinkOps{}, activePID: -1}
}

func (p *policerDownload) Name() string { return "tc-police" }

// Priority is the lowest of the three TC backends: it cannot isolate one
// process, only the whole interface.
func (p *policerDownload) Priority() int { return 20 }

func (p *policerDownload) IsAvailable() bool {
	_, err := detectInterface(p.ops)
	return err == nil
}

func (p *policerDownload) UnavailableReason() string {
	if _, err := detectInterface(p.ops); err != nil {
		return err.Error()
	}
	return ""
}

func (p *policerDownload) Capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: false, SupportsBurst: true}
}

func (p *policerDownload) SupportsTrafficType(tt throttle.TrafficType) bool {
	return tt == throttle.TrafficAll
}

func (p *policerDownload) ensureInitialized() error {
	if p.initialized {
		return nil
	}
	iface, err := detectInterface(p.ops)
	if err != nil {
		return err
	}
	p.iface = iface

	link, err := p.ops.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", iface, err)
	}

	qdiscs, err := p.ops.QdiscList(link)
	if err != nil {
		return fmt.Errorf("list qdiscs on %s: %w", iface, err)
	}
	for _, q := range qdiscs {
		if _, ok := q.(*netlink.Ingress); ok {
			p.initialized = true
			return nil
		}
	}

	ingress := &netlink.Ingress{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	}
	if err := p.ops.QdiscAdd(ingress); err != nil {
		return fmt.Errorf("add ingress qdisc on %s: %w", iface, err)
	}

	p.initialized = true
	return nil
}

// ThrottleDownload replaces any previously installed global limit: it is not
// additive across PIDs and does not distinguish between them, matching the
// "last writer wins, log a warning" behavior of the CLI-driven original.
func (p *policerDownload) ThrottleDownload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	if tt != throttle.TrafficAll {
		return throttle.ErrUnsupportedTrafficType(p.Name(), pid, tt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureInitialized(); err != nil {
		return throttle.ErrBackendUnavailable(p.Name(), err.Error())
	}

	link, err := p.ops.LinkByName(p.iface)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(p.Name(), pid, err)
	}

	if err := p.clearPolicerFilters(link); err != nil {
		return throttle.ErrRuleInsertionFailed(p.Name(), pid, err)
	}

	filter := &netlink.U32{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.MakeHandle(0xffff, 0),
			Priority:  1,
			Protocol:  unix_ETH_P_IP,
		},
		Actions: []netlink.Action{
			&netlink.PoliceAction{
				ActionAttrs: netlink.ActionAttrs{Action: netlink.TC_POLICE_SHOT},
				Rate:        uint32(limitBps),
				Burst:       policerBurstBytes(limitBps),
				Mtu:         1500,
			},
		},
	}
	if err := p.ops.FilterAdd(filter); err != nil {
		return throttle.ErrRuleInsertionFailed(p.Name(), pid, err)
	}

	p.activePID = pid
	p.limitBps = limitBps
	return nil
}

// policerBurstBytes mirrors the original's "(rate_bits_per_sec/8000).max(32)"
// kilobyte burst sizing, expressed here directly in bytes.
func policerBurstBytes(limitBps uint64) uint32 {
	burst := limitBps / 1000 * 1024
	if burst < 32*1024 {
		burst = 32 * 1024
	}
	return uint32(burst)
}

func (p *policerDownload) clearPolicerFilters(link netlink.Link) error {
	filters, err := p.ops.FilterList(link, netlink.MakeHandle(0xffff, 0))
	if err != nil {
		return err
	}
	for _, f := range filters {
		_ = p.ops.FilterDel(f)
	}
	return nil
}

func (p *policerDownload) RemoveDownloadThrottle(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activePID != pid {
		return nil
	}
	if link, err := p.ops.LinkByName(p.iface); err == nil {
		_ = p.clearPolicerFilters(link)
	}
	p.activePID = -1
	p.limitBps = 0
	return nil
}

func (p *policerDownload) GetDownloadThrottle(pid int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activePID != pid {
		return 0, false
	}
	return p.limitBps, true
}

func (p *policerDownload) AllDownloadThrottles() map[int]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activePID < 0 {
		return map[int]uint64{}
	}
	return map[int]uint64{p.activePID: p.limitBps}
}

func (p *policerDownload) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if link, err := p.ops.LinkByName(p.iface); err == nil {
		_ = p.clearPolicerFilters(link)
		_ = p.ops.QdiscDel(&netlink.Ingress{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: link.Attrs().Index,
				Handle:    netlink.MakeHandle(0xffff, 0),
				Parent:    netlink.HANDLE_INGRESS,
			},
		})
	}
	p.activePID = -1
	p.limitBps = 0
	p.initialized = false
	return nil
}
