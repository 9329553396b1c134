//go:build linux

package tc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
)

// clearRootQdisc removes any pre-existing root qdisc (clsact, fq_codel,
// a stale htb from a previous crashed run, ...) so the HTB hierarchy below
// starts from a clean root. Absence of a root qdisc is not an error.
func clearRootQdisc(ops netlinkOps, link netlink.Link) error {
	qdiscs, err := ops.QdiscList(link)
	if err != nil {
		return fmt.Errorf("list qdiscs on %s: %w", link.Attrs().Name, err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent != netlink.HANDLE_ROOT {
			continue
		}
		if err := ops.QdiscDel(q); err != nil {
			return fmt.Errorf("delete existing root qdisc on %s: %w", link.Attrs().Name, err)
		}
	}
	return nil
}

// addCgroupClassifiers installs the kernel's cls_cgroup classifier (ip and
// ipv6 protocol) that steers a packet into an HTB class based on the
// originating socket's net_cls classid, without the backend having to know
// in advance which classid a given PID will end up with. vishvananda/netlink
// has no dedicated struct for this filter kind, so it goes through the
// library's GenericFilter escape hatch the same way callers reach for any tc
// filter kind the library hasn't modeled as a typed struct.
func addCgroupClassifiers(ops netlinkOps, link netlink.Link, rootMajor uint16) error {
	for _, proto := range []uint16{unix_ETH_P_IP, unix_ETH_P_IPV6} {
		filter := &netlink.GenericFilter{
			FilterAttrs: netlink.FilterAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    netlink.MakeHandle(rootMajor, 0),
				Priority:  1,
				Protocol:  proto,
			},
			FilterType: "cgroup",
		}
		if err := ops.FilterAdd(filter); err != nil {
			return fmt.Errorf("add cgroup filter (proto %#x): %w", proto, err)
		}
	}
	return nil
}

// ETH_P_IP / ETH_P_IPV6 mirrored locally to avoid pulling in
// golang.org/x/sys/unix solely for two protocol constants already used
// elsewhere in the module under a different import alias.
const (
	unix_ETH_P_IP   = 0x0800
	unix_ETH_P_IPV6 = 0x86DD
)

// addHtbClass creates (or resizes, since ClassAdd/ClassReplace semantics in
// vishvananda/netlink are handled by the kernel as a replace-on-same-handle)
// a leaf HTB class capped at limitBps, parented directly off the root qdisc.
func addHtbClass(ops netlinkOps, link netlink.Link, rootMajor uint16, classid uint32, limitBps uint64) error {
	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(rootMajor, 0),
		Handle:    netlink.MakeHandle(rootMajor, uint16(classid)),
	}, netlink.HtbClassAttrs{
		Rate:    limitBps,
		Ceil:    limitBps,
		Buffer:  htbDefaultBuffer,
		Cbuffer: htbDefaultBuffer,
	})
	if err := ops.ClassAdd(class); err != nil {
		return fmt.Errorf("add htb class %d: %w", classid, err)
	}
	return nil
}

// htbDefaultBuffer is the token bucket burst size in bytes, generous enough
// that short bursts under the rate don't get needlessly delayed.
const htbDefaultBuffer = 1600 * 10

func removeHtbClass(ops netlinkOps, link netlink.Link, rootMajor uint16, classid uint32) error {
	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(rootMajor, 0),
		Handle:    netlink.MakeHandle(rootMajor, uint16(classid)),
	}, netlink.HtbClassAttrs{})
	if err := ops.ClassDel(class); err != nil {
		return fmt.Errorf("delete htb class %d: %w", classid, err)
	}
	return nil
}

// v1ClassidFromFilter extracts the numeric classid from a net_cls v1
// handle's "major:minor" filter string (e.g. "1:7" -> 7, true), so the TC
// class created here lines up with the classid already written to
// net_cls.classid rather than allocating an unrelated one.
func v1ClassidFromFilter(filter string) (uint32, bool) {
	parts := strings.SplitN(filter, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
