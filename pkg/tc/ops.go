//go:build linux

// Package tc implements upload and download throttling over direct netlink
// TC (traffic control) calls: an HTB class hierarchy for upload, an
// IFB-redirected HTB hierarchy for download on cgroup v1 hosts, and a
// global TC-police fallback for download when IFB isn't available.
package tc

import (
	"errors"
	"net"

	"github.com/vishvananda/netlink"
)

var errNoInterface = errors.New("tc: no suitable network interface found")

// netlinkOps is the seam between this package and vishvananda/netlink,
// mirroring the real/fake split the pack's own TC-adjacent throttler uses so
// qdisc/class/filter programming can be exercised without a live interface.
type netlinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	QdiscList(link netlink.Link) ([]netlink.Qdisc, error)
	QdiscAdd(qdisc netlink.Qdisc) error
	QdiscDel(qdisc netlink.Qdisc) error
	ClassAdd(class netlink.Class) error
	ClassDel(class netlink.Class) error
	FilterAdd(filter netlink.Filter) error
	FilterDel(filter netlink.Filter) error
	FilterList(link netlink.Link, parent uint32) ([]netlink.Filter, error)
}

type realNetlinkOps struct{}

func (realNetlinkOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (realNetlinkOps) LinkList() ([]netlink.Link, error)            { return netlink.LinkList() }
func (realNetlinkOps) LinkAdd(link netlink.Link) error              { return netlink.LinkAdd(link) }
func (realNetlinkOps) LinkDel(link netlink.Link) error              { return netlink.LinkDel(link) }
func (realNetlinkOps) LinkSetUp(link netlink.Link) error            { return netlink.LinkSetUp(link) }
func (realNetlinkOps) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}
func (realNetlinkOps) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) {
	return netlink.QdiscList(link)
}
func (realNetlinkOps) QdiscAdd(qdisc netlink.Qdisc) error    { return netlink.QdiscAdd(qdisc) }
func (realNetlinkOps) QdiscDel(qdisc netlink.Qdisc) error    { return netlink.QdiscDel(qdisc) }
func (realNetlinkOps) ClassAdd(class netlink.Class) error    { return netlink.ClassAdd(class) }
func (realNetlinkOps) ClassDel(class netlink.Class) error    { return netlink.ClassDel(class) }
func (realNetlinkOps) FilterAdd(filter netlink.Filter) error { return netlink.FilterAdd(filter) }
func (realNetlinkOps) FilterDel(filter netlink.Filter) error { return netlink.FilterDel(filter) }
func (realNetlinkOps) FilterList(link netlink.Link, parent uint32) ([]netlink.Filter, error) {
	return netlink.FilterList(link, parent)
}

// detectInterface picks the interface carrying the IPv4 default route,
// falling back to the first non-loopback interface that's administratively
// up. Mirrors the original's pnet-based selection without adding a second
// packet-capture-library dependency just for interface enumeration.
func detectInterface(ops netlinkOps) (string, error) {
	if routes, err := ops.RouteList(nil, netlink.FAMILY_V4); err == nil {
		for _, r := range routes {
			if r.Dst != nil {
				continue
			}
			if link, err := linkByIndex(ops, r.LinkIndex); err == nil {
				return link.Attrs().Name, nil
			}
		}
	}

	links, err := ops.LinkList()
	if err != nil {
		return "", err
	}
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagUp != 0 && attrs.Flags&net.FlagLoopback == 0 {
			return attrs.Name, nil
		}
	}
	return "", errNoInterface
}

func linkByIndex(ops netlinkOps, index int) (netlink.Link, error) {
	links, err := ops.LinkList()
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.Attrs().Index == index {
			return l, nil
		}
	}
	return nil, errNoInterface
}
