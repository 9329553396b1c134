//go:build linux

package tc

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// fakeNetlinkOps is a bookkeeping-only double: it records what qdiscs,
// classes and filters were added without touching a real interface, mirroring
// the fake used in cgroup's and ebpfthrottle's own tests for the same reason
// (no CAP_NET_ADMIN / no live kernel object in a test sandbox).
type fakeNetlinkOps struct {
	links        map[string]netlink.Link
	routeErr     error
	routes       []netlink.Route
	addedQdiscs  []netlink.Qdisc
	addedClasses []netlink.Class
	addedFilters []netlink.Filter
	addLinkErr   error
	qdiscAddErr  error
	classAddErr  error
	filterAddErr error
}

func newFakeNetlinkOps() *fakeNetlinkOps {
	return &fakeNetlinkOps{links: map[string]netlink.Link{}}
}

func (f *fakeNetlinkOps) withLink(name string, index int) *fakeNetlinkOps {
	f.links[name] = &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index}}
	return f
}

func (f *fakeNetlinkOps) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("fake: link %s not found", name)
}

func (f *fakeNetlinkOps) LinkList() ([]netlink.Link, error) {
	out := make([]netlink.Link, 0, len(f.links))
	for _, l := range f.links {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeNetlinkOps) LinkAdd(link netlink.Link) error {
	if f.addLinkErr != nil {
		return f.addLinkErr
	}
	f.links[link.Attrs().Name] = link
	return nil
}

func (f *fakeNetlinkOps) LinkDel(link netlink.Link) error {
	delete(f.links, link.Attrs().Name)
	return nil
}

func (f *fakeNetlinkOps) LinkSetUp(link netlink.Link) error { return nil }

func (f *fakeNetlinkOps) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return f.routes, f.routeErr
}

func (f *fakeNetlinkOps) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) { return nil, nil }

func (f *fakeNetlinkOps) QdiscAdd(qdisc netlink.Qdisc) error {
	if f.qdiscAddErr != nil {
		return f.qdiscAddErr
	}
	f.addedQdiscs = append(f.addedQdiscs, qdisc)
	return nil
}

func (f *fakeNetlinkOps) QdiscDel(qdisc netlink.Qdisc) error { return nil }

func (f *fakeNetlinkOps) ClassAdd(class netlink.Class) error {
	if f.classAddErr != nil {
		return f.classAddErr
	}
	f.addedClasses = append(f.addedClasses, class)
	return nil
}

func (f *fakeNetlinkOps) ClassDel(class netlink.Class) error { return nil }

func (f *fakeNetlinkOps) FilterAdd(filter netlink.Filter) error {
	if f.filterAddErr != nil {
		return f.filterAddErr
	}
	f.addedFilters = append(f.addedFilters, filter)
	return nil
}

func (f *fakeNetlinkOps) FilterDel(filter netlink.Filter) error { return nil }

func (f *fakeNetlinkOps) FilterList(link netlink.Link, parent uint32) ([]netlink.Filter, error) {
	return f.addedFilters, nil
}
