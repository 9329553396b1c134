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
	htbRootHandleMajor = 1
	htbDefaultClass    = 999
	firstClassid       = 100
)

// htbUpload is the TC-HTB upload (egress) backend: one root HTB qdisc per
// interface, one class per throttled PID. Traffic is steered into a class by
// the interface-wide "cgroup" classifier, which the kernel resolves using
// whatever net_cls classid (v1) or matching cgroup (v2, only with eBPF/nft
// assistance) the originating socket carries — this backend only works
// precisely on cgroup v1.
type htbUpload struct {
	ops netlinkOps
	cg  cgroup.Backend

	mu          sync.Mutex
	iface       string
	initialized bool
	nextClassid uint32
	throttles   map[int]*htbThrottleInfo
}

type htbThrottleInfo struct {
	classid  uint32
	handle   cgroup.Handle
	limitBps uint64
}

// NewUploadBackend returns the TC-HTB upload throttle backend.
func NewUploadBackend(cg cgroup.Backend) throttle.UploadBackend {
	return &htbUpload{
		ops:         realNetlinkOps{},
		cg:          cg,
		nextClassid: firstClassid,
		throttles:   make(map[int]*htbThrottleInfo),
	}
}

func (h *htbUpload) Name() string { return "tc-htb" }

// Priority is below eBPF and nftables: it needs an HTB hierarchy maintained
// on the live interface and only filters correctly on cgroup v1.
func (h *htbUpload) Priority() int { return 60 }

func (h *htbUpload) IsAvailable() bool {
	if !h.cg.IsAvailable() {
		return false
	}
	_, err := detectInterface(h.ops)
	return err == nil
}

func (h *htbUpload) UnavailableReason() string {
	if !h.cg.IsAvailable() {
		return h.cg.UnavailableReason()
	}
	if _, err := detectInterface(h.ops); err != nil {
		return err.Error()
	}
	return ""
}

func (h *htbUpload) Capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: false, SupportsBurst: true}
}

// SupportsTrafficType only ever returns true for TrafficAll: the cgroup TC
// classifier has no concept of destination address, so Internet/Local
// filtering is not representable at this layer.
func (h *htbUpload) SupportsTrafficType(tt throttle.TrafficType) bool {
	return tt == throttle.TrafficAll
}

func (h *htbUpload) ensureInitialized() error {
	if h.initialized {
		return nil
	}
	iface, err := detectInterface(h.ops)
	if err != nil {
		return err
	}
	h.iface = iface

	link, err := h.ops.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", iface, err)
	}

	if err := clearRootQdisc(h.ops, link); err != nil {
		return fmt.Errorf("clear existing root qdisc: %w", err)
	}

	htbQdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    netlink.MakeHandle(htbRootHandleMajor, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	htbQdisc.Defcls = htbDefaultClass
	if err := h.ops.QdiscAdd(htbQdisc); err != nil {
		return fmt.Errorf("add root htb qdisc: %w", err)
	}

	if err := addCgroupClassifiers(h.ops, link, htbRootHandleMajor); err != nil {
		return fmt.Errorf("add cgroup classifiers: %w", err)
	}

	h.initialized = true
	return nil
}

func (h *htbUpload) ThrottleUpload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	if tt != throttle.TrafficAll {
		return throttle.ErrUnsupportedTrafficType(h.Name(), pid, tt)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureInitialized(); err != nil {
		return throttle.ErrBackendUnavailable(h.Name(), err.Error())
	}

	handle, err := h.cg.CreateCgroup(pid, processName)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(h.Name(), pid, err)
	}

	classid := h.nextClassid
	h.nextClassid++
	if handle.Type == cgroup.BackendV1 {
		if v1Classid, ok := v1ClassidFromFilter(handle.Filter); ok {
			classid = v1Classid
		}
	}

	link, err := h.ops.LinkByName(h.iface)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(h.Name(), pid, err)
	}
	if err := addHtbClass(h.ops, link, htbRootHandleMajor, classid, limitBps); err != nil {
		return throttle.ErrRuleInsertionFailed(h.Name(), pid, err)
	}

	h.throttles[pid] = &htbThrottleInfo{classid: classid, handle: handle, limitBps: limitBps}
	return nil
}

func (h *htbUpload) RemoveUploadThrottle(pid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.throttles[pid]
	if !ok {
		return nil
	}
	delete(h.throttles, pid)

	if link, err := h.ops.LinkByName(h.iface); err == nil {
		_ = removeHtbClass(h.ops, link, htbRootHandleMajor, info.classid)
	}
	_ = h.cg.RemoveCgroup(info.handle)
	return nil
}

func (h *htbUpload) GetUploadThrottle(pid int) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.throttles[pid]
	if !ok {
		return 0, false
	}
	return info.limitBps, true
}

func (h *htbUpload) AllUploadThrottles() map[int]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int]uint64, len(h.throttles))
	for pid, info := range h.throttles {
		out[pid] = info.limitBps
	}
	return out
}

func (h *htbUpload) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for pid, info := range h.throttles {
		if link, err := h.ops.LinkByName(h.iface); err == nil {
			_ = removeHtbClass(h.ops, link, htbRootHandleMajor, info.classid)
		}
		_ = h.cg.RemoveCgroup(info.handle)
		delete(h.throttles, pid)
	}

	if h.initialized {
		if link, err := h.ops.LinkByName(h.iface); err == nil {
			_ = clearRootQdisc(h.ops, link)
		}
		h.initialized = false
	}
	return nil
}
