// Package classify categorizes destination addresses as Internet or Local
// traffic, the way every throttling backend's traffic-type filter needs to:
// Internet excludes RFC1918 + loopback + link-local + multicast (both IPv4
// and IPv6); Local is the complement within those private ranges.
package classify

import "net/netip"

// Category is the traffic classification of one address.
type Category int

const (
	Internet Category = iota
	Local
)

func (c Category) String() string {
	if c == Local {
		return "local"
	}
	return "internet"
}

// Classify categorizes addr as Internet or Local traffic.
func Classify(addr netip.Addr) Category {
	if IsLocal(addr) {
		return Local
	}
	return Internet
}

// IsLocal reports whether addr belongs to a private, loopback, link-local,
// unique-local, or multicast range, i.e. anything that isn't public WAN
// traffic.
func IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		return isLocalIPv4(addr)
	}
	return isLocalIPv6(addr)
}

func isLocalIPv4(ip netip.Addr) bool {
	return ip.IsPrivate() || // 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
		ip.IsLoopback() || // 127.0.0.0/8
		ip.IsLinkLocalUnicast() || // 169.254.0.0/16
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() || // 0.0.0.0
		isDocumentationIPv4(ip) || // RFC 5737 test networks
		ip == netip.MustParseAddr("255.255.255.255") // limited broadcast
}

func isLocalIPv6(ip netip.Addr) bool {
	return ip.IsLoopback() || // ::1
		ip.IsLinkLocalUnicast() || // fe80::/10
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() || // ::
		isUniqueLocalIPv6(ip) // fc00::/7
}

// isUniqueLocalIPv6 reports whether ip is in IPv6's unique-local range
// fc00::/7, the rough equivalent of RFC1918 private space.
func isUniqueLocalIPv6(ip netip.Addr) bool {
	b := ip.As16()
	return b[0]&0xfe == 0xfc
}

var documentationIPv4Nets = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
}

func isDocumentationIPv4(ip netip.Addr) bool {
	for _, n := range documentationIPv4Nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
