//go:build linux

package nft

import (
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// Linux nfproto values (include/uapi/linux/netfilter.h), used to guard an
// IPv4/IPv6-specific payload match in an `inet` family chain that otherwise
// sees both address families.
const (
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
)

var internetExcludeV4 = []string{
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"127.0.0.0/8", "169.254.0.0/16", "224.0.0.0/4", "240.0.0.0/4",
}

var internetExcludeV6 = []string{
	"::1/128", "fe80::/10", "fc00::/7", "ff00::/8",
}

var localIncludeV4 = []string{
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16",
}

// buildRule assembles the rule that matches pid's cgroup, optionally
// restricts it to Internet/Local destinations, and drops packets once the
// rate exceeds limitBps. Mirrors the nft expression the original shelled-out
// "socket cgroupv2 level 0 ... limit rate over N bytes/second drop" command
// compiles to, built directly over the netlink protocol instead. Any
// destination-set it needs is registered on conn; the caller flushes
// alongside the rule so both commit in the same batch.
func buildRule(conn *nftables.Conn, table *nftables.Table, chain *nftables.Chain, handle cgroup.Handle, limitBps uint64, tt throttle.TrafficType) (*nftables.Rule, error) {
	cgID, err := cgroupIDOf(handle.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve cgroup id: %w", err)
	}

	exprs := []expr.Any{
		&expr.Socket{Key: expr.SocketKeyCgroupv2, Level: 0, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: cgroupIDBytes(cgID)},
	}

	ttExprs, err := trafficTypeExprs(conn, table, handle, tt)
	if err != nil {
		return nil, err
	}
	exprs = append(exprs, ttExprs...)

	exprs = append(exprs,
		&expr.Limit{
			Type:  expr.LimitTypePktBytes,
			Rate:  limitBps,
			Unit:  expr.LimitTimeSecond,
			Over:  true,
			Burst: 0,
		},
		&expr.Verdict{Kind: expr.VerdictDrop},
	)

	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: exprs,
	}, nil
}

// trafficTypeExprs returns the extra match expressions that restrict a rule
// to Internet or Local destinations; TrafficAll needs none.
func trafficTypeExprs(conn *nftables.Conn, table *nftables.Table, handle cgroup.Handle, tt throttle.TrafficType) ([]expr.Any, error) {
	switch tt {
	case throttle.TrafficInternet:
		v4, err := addrSetExprs(conn, table, handle, "internet_v4", internetExcludeV4, nfprotoIPv4, 16, 4, true)
		if err != nil {
			return nil, err
		}
		v6, err := addrSetExprs(conn, table, handle, "internet_v6", internetExcludeV6, nfprotoIPv6, 24, 16, true)
		if err != nil {
			return nil, err
		}
		return append(v4, v6...), nil
	case throttle.TrafficLocal:
		return addrSetExprs(conn, table, handle, "local_v4", localIncludeV4, nfprotoIPv4, 16, 4, false)
	default:
		return nil, nil
	}
}

// addrSetExprs builds a named interval set of CIDR prefixes and the
// meta-nfproto-guarded payload lookup against it. invert selects "daddr !=
// set" (Internet: exclude local ranges) vs "daddr in set" (Local: restrict
// to local ranges).
func addrSetExprs(conn *nftables.Conn, table *nftables.Table, handle cgroup.Handle, label string, cidrs []string, nfproto, offset, length uint32, invert bool) ([]expr.Any, error) {
	keyType := nftables.TypeIPAddr
	if length == 16 {
		keyType = nftables.TypeIP6Addr
	}

	set := &nftables.Set{
		Table:    table,
		Name:     fmt.Sprintf("nl_%s_pid%d", label, handle.PID),
		KeyType:  keyType,
		Interval: true,
	}
	elems, err := cidrSetElements(cidrs)
	if err != nil {
		return nil, fmt.Errorf("build %s set elements: %w", label, err)
	}

	// Registered on the caller's Conn so the set and the rule referencing
	// it commit in the same Flush.
	if err := conn.AddSet(set, elems); err != nil {
		return nil, fmt.Errorf("add %s set: %w", label, err)
	}

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(nfproto)}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, Invert: invert},
	}, nil
}

func cidrSetElements(cidrs []string) ([]nftables.SetElement, error) {
	var elems []nftables.SetElement
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %s: %w", c, err)
		}
		start := ipnet.IP
		end := make(net.IP, len(start))
		for i := range start {
			end[i] = start[i] | ^ipnet.Mask[i]
		}
		elems = append(elems,
			nftables.SetElement{Key: []byte(start)},
			nftables.SetElement{Key: []byte(end), IntervalEnd: true},
		)
	}
	return elems, nil
}
