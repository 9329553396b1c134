//go:build linux

package tc

import (
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

const (
	ifbDeviceName  = "ifb0"
	ifbHtbHandle   = 2
	ifbFirstHandle = 100
)

// ifbDownload throttles ingress traffic by redirecting it to an IFB pseudo
// device via a mirred action on the real interface's ingress qdisc, then
// shaping it there with the same HTB + cgroup-classifier scheme htbUpload
// uses for egress. The redirect step exists because qdiscs can only shape
// traffic leaving an interface, and ingress traffic "leaves" nothing until
// it is bounced through IFB first.
//
// Only meaningful on cgroup v1: net_cls.classid is what the cgroup filter on
// the IFB device reads, and v2 removed that controller.
type ifbDownload struct {
	ops netlinkOps
	cg  cgroup.Backend

	mu          sync.Mutex
	iface       string
	initialized bool
	nextClassid uint32
	throttles   map[int]*htbThrottleInfo
}

// NewDownloadBackend returns the IFB + TC-HTB download throttle backend.
func NewDownloadBackend(cg cgroup.Backend) throttle.DownloadBackend {
	return &ifbDownload{
		ops:         realNetlinkOps{},
		cg:          cg,
		nextClassid: ifbFirstHandle,
		throttles:   make(map[int]*htbThrottleInfo),
	}
}

func (d *ifbDownload) Name() string { return "ifb-tc-htb" }

func (d *ifbDownload) Priority() int { return 55 }

func (d *ifbDownload) IsAvailable() bool {
	if !cgroup.IsV1Available() {
		return false
	}
	if !d.cg.IsAvailable() {
		return false
	}
	_, err := detectInterface(d.ops)
	return err == nil
}

func (d *ifbDownload) UnavailableReason() string {
	if !cgroup.IsV1Available() {
		return "ifb+tc download throttling requires cgroup v1 net_cls; this host uses cgroup v2 (use the eBPF ingress backend instead)"
	}
	if !d.cg.IsAvailable() {
		return d.cg.UnavailableReason()
	}
	if _, err := detectInterface(d.ops); err != nil {
		return err.Error()
	}
	return ""
}

func (d *ifbDownload) Capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: false, SupportsBurst: true}
}

func (d *ifbDownload) SupportsTrafficType(tt throttle.TrafficType) bool {
	return tt == throttle.TrafficAll
}

func (d *ifbDownload) ensureInitialized() error {
	if d.initialized {
		return nil
	}
	iface, err := detectInterface(d.ops)
	if err != nil {
		return err
	}
	d.iface = iface

	realLink, err := d.ops.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", iface, err)
	}

	ifbLink, err := d.ensureIfbDevice()
	if err != nil {
		return fmt.Errorf("set up ifb device: %w", err)
	}

	if err := addIngressRedirect(d.ops, realLink, ifbLink); err != nil {
		return fmt.Errorf("redirect ingress to ifb: %w", err)
	}

	htbQdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: ifbLink.Attrs().Index,
		Handle:    netlink.MakeHandle(ifbHtbHandle, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	htbQdisc.Defcls = htbDefaultClass
	if err := d.ops.QdiscAdd(htbQdisc); err != nil {
		return fmt.Errorf("add ifb htb qdisc: %w", err)
	}

	if err := addCgroupClassifiers(d.ops, ifbLink, ifbHtbHandle); err != nil {
		return fmt.Errorf("add ifb cgroup classifiers: %w", err)
	}

	d.initialized = true
	return nil
}

// ensureIfbDevice creates and brings up the ifb0 pseudo-device if it
// doesn't already exist from a previous run.
func (d *ifbDownload) ensureIfbDevice() (netlink.Link, error) {
	if link, err := d.ops.LinkByName(ifbDeviceName); err == nil {
		return link, nil
	}

	ifb := &netlink.Ifb{
		LinkAttrs: netlink.LinkAttrs{Name: ifbDeviceName},
	}
	if err := d.ops.LinkAdd(ifb); err != nil {
		return nil, fmt.Errorf("add ifb device: %w", err)
	}

	link, err := d.ops.LinkByName(ifbDeviceName)
	if err != nil {
		return nil, fmt.Errorf("find newly created ifb device: %w", err)
	}
	if err := d.ops.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("bring up ifb device: %w", err)
	}
	return link, nil
}

// addIngressRedirect installs the ingress qdisc on the real interface and
// two u32 match-all filters (IPv4/IPv6) with a mirred egress-redirect action
// pointing at the IFB device, mirroring the original CLI invocations
// ("tc filter ... u32 match u32 0 0 action mirred egress redirect").
func addIngressRedirect(ops netlinkOps, realLink, ifbLink netlink.Link) error {
	ingress := &netlink.Ingress{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: realLink.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	}
	if err := ops.QdiscAdd(ingress); err != nil {
		return fmt.Errorf("add ingress qdisc: %w", err)
	}

	for _, proto := range []uint16{unix_ETH_P_IP, unix_ETH_P_IPV6} {
		filter := &netlink.U32{
			FilterAttrs: netlink.FilterAttrs{
				LinkIndex: realLink.Attrs().Index,
				Parent:    netlink.MakeHandle(0xffff, 0),
				Priority:  1,
				Protocol:  proto,
			},
			Actions: []netlink.Action{
				&netlink.MirredAction{
					ActionAttrs:  netlink.ActionAttrs{Action: netlink.TC_ACT_STOLEN},
					Ifindex:      ifbLink.Attrs().Index,
					MirredAction: netlink.TCA_EGRESS_REDIR,
				},
			},
		}
		if err := ops.FilterAdd(filter); err != nil {
			return fmt.Errorf("add ingress redirect filter (proto %#x): %w", proto, err)
		}
	}
	return nil
}

func (d *ifbDownload) ThrottleDownload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	if tt != throttle.TrafficAll {
		return throttle.ErrUnsupportedTrafficType(d.Name(), pid, tt)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureInitialized(); err != nil {
		return throttle.ErrBackendUnavailable(d.Name(), err.Error())
	}

	handle, err := d.cg.CreateCgroup(pid, processName)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(d.Name(), pid, err)
	}

	classid := d.nextClassid
	d.nextClassid++
	if handle.Type == cgroup.BackendV1 {
		if v1Classid, ok := v1ClassidFromFilter(handle.Filter); ok {
			classid = v1Classid
		}
	}

	ifbLink, err := d.ops.LinkByName(ifbDeviceName)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(d.Name(), pid, err)
	}
	if err := addHtbClass(d.ops, ifbLink, ifbHtbHandle, classid, limitBps); err != nil {
		return throttle.ErrRuleInsertionFailed(d.Name(), pid, err)
	}

	d.throttles[pid] = &htbThrottleInfo{classid: classid, handle: handle, limitBps: limitBps}
	return nil
}

func (d *ifbDownload) RemoveDownloadThrottle(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.throttles[pid]
	if !ok {
		return nil
	}
	delete(d.throttles, pid)

	if link, err := d.ops.LinkByName(ifbDeviceName); err == nil {
		_ = removeHtbClass(d.ops, link, ifbHtbHandle, info.classid)
	}
	_ = d.cg.RemoveCgroup(info.handle)
	return nil
}

func (d *ifbDownload) GetDownloadThrottle(pid int) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.throttles[pid]
	if !ok {
		return 0, false
	}
	return info.limitBps, true
}

func (d *ifbDownload) AllDownloadThrottles() map[int]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]uint64, len(d.throttles))
	for pid, info := range d.throttles {
		out[pid] = info.limitBps
	}
	return out
}

func (d *ifbDownload) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pid, info := range d.throttles {
		if link, err := d.ops.LinkByName(ifbDeviceName); err == nil {
			_ = removeHtbClass(d.ops, link, ifbHtbHandle, info.classid)
		}
		_ = d.cg.RemoveCgroup(info.handle)
		delete(d.throttles, pid)
	}

	if !d.initialized {
		return nil
	}

	if ifbLink, err := d.ops.LinkByName(ifbDeviceName); err == nil {
		_ = d.ops.QdiscDel(netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: ifbLink.Attrs().Index,
			Handle:    netlink.MakeHandle(ifbHtbHandle, 0),
			Parent:    netlink.HANDLE_ROOT,
		}))
		_ = d.ops.LinkDel(ifbLink)
	}
	if realLink, err := d.ops.LinkByName(d.iface); err == nil {
		_ = d.ops.QdiscDel(&netlink.Ingress{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: realLink.Attrs().Index,
				Handle:    netlink.MakeHandle(0xffff, 0),
				Parent:    netlink.HANDLE_INGRESS,
			},
		})
	}
	d.initialized = false
	return nil
}
