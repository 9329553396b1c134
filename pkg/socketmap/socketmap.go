// Package socketmap maps kernel sockets to the PID that owns them, by
// whatever means the host OS provides, and exposes the result as a
// ConnectionMap keyed by 4-tuple so the packet-capture monitor can attribute
// traffic to a process without itself knowing anything about procfs,
// libproc, or the Windows iphelper API.
package socketmap

import (
	"hash/fnv"
	"io"
	"net/netip"
)

// Proto is the transport protocol of a tracked connection.
type Proto uint8

const (
	TCP Proto = iota
	UDP
)

func (p Proto) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// FourTuple identifies one socket by its local/remote endpoints and
// protocol. UDP sockets that have not called connect(2) carry a zero
// Remote (lsof) or an unspecified 0.0.0.0:0 / [::]:0 Remote (procfs);
// lookups against those retry with a wildcard remote.
type FourTuple struct {
	Proto  Proto
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// ConnectionEntry is one socket's attribution record.
type ConnectionEntry struct {
	PID   int
	Inode uint64 // real kernel inode where available, else a pseudo-inode
}

// ConnectionMap is an immutable snapshot of the socket table at the instant
// it was built. Mapper implementations build a fresh one on every refresh;
// callers never mutate an existing map in place.
type ConnectionMap struct {
	entries map[FourTuple]ConnectionEntry
}

func NewConnectionMap() *ConnectionMap {
	return &ConnectionMap{entries: make(map[FourTuple]ConnectionEntry)}
}

func (m *ConnectionMap) Put(t FourTuple, e ConnectionEntry) {
	m.entries[t] = e
}

// Lookup finds the entry for an exact 4-tuple match.
func (m *ConnectionMap) Lookup(t FourTuple) (ConnectionEntry, bool) {
	e, ok := m.entries[t]
	return e, ok
}

// LookupUDPWildcard retries a UDP lookup against a wildcard remote endpoint,
// for unconnected sockets that never recorded a specific peer.
func (m *ConnectionMap) LookupUDPWildcard(local netip.AddrPort, proto Proto) (ConnectionEntry, bool) {
	if proto != UDP {
		return ConnectionEntry{}, false
	}
	wildcard := FourTuple{Proto: UDP, Local: local}
	if e, ok := m.Lookup(wildcard); ok {
		return e, true
	}
	unspec := netip.IPv4Unspecified()
	if local.Addr().Is6() {
		unspec = netip.IPv6Unspecified()
	}
	wildcard.Remote = netip.AddrPortFrom(unspec, 0)
	return m.Lookup(wildcard)
}

// PIDs returns the distinct set of PIDs present in the map, used to pre-seed
// the bandwidth table before packet capture starts.
func (m *ConnectionMap) PIDs() []int {
	seen := make(map[int]struct{})
	for _, e := range m.entries {
		seen[e.PID] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	return out
}

func (m *ConnectionMap) Len() int { return len(m.entries) }

// ConnectionsForPID returns every 4-tuple currently attributed to pid, for
// backends (macOS dummynet) that must enumerate individual connections
// rather than match on a cgroup or eBPF map key.
func (m *ConnectionMap) ConnectionsForPID(pid int) []FourTuple {
	var out []FourTuple
	for t, e := range m.entries {
		if e.PID == pid {
			out = append(out, t)
		}
	}
	return out
}

// Mapper produces a ConnectionMap from whatever socket enumeration facility
// the host OS provides.
type Mapper interface {
	Name() string
	Priority() int // higher is preferred; used to pick among available mappers
	Available() bool
	Build() (*ConnectionMap, error)
}

// PseudoInode derives a stable, deterministic inode-like value for platforms
// that don't expose real kernel socket inodes (macOS libproc, lsof). Same
// 4-tuple always hashes to the same value within a process lifetime, which
// is all the monitor needs to tell sockets apart.
func PseudoInode(t FourTuple) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte{byte(t.Proto)})
	_, _ = h.Write(t.Local.Addr().AsSlice())
	writeU16(h, t.Local.Port())
	_, _ = h.Write(t.Remote.Addr().AsSlice())
	writeU16(h, t.Remote.Port())
	return h.Sum64()
}

func writeU16(w io.Writer, v uint16) {
	_, _ = w.Write([]byte{byte(v >> 8), byte(v)})
}
