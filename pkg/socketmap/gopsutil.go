//go:build darwin || windows

package socketmap

import (
	"context"
	"net/netip"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// GopsutilMapper builds a ConnectionMap via gopsutil's cross-platform
// connection enumeration (libproc on macOS, the iphelper extended-TCP/UDP
// table APIs on Windows, both wrapped behind the same Connections call).
//
// Process names are resolved through a cache refreshed at most once per
// call to Build rather than once per connection: gopsutil's per-PID name
// lookup on Windows re-opens a process handle every time, and doing that
// once per connection collapses throughput by roughly two orders of
// magnitude on hosts with a few hundred sockets open.
type GopsutilMapper struct {
	mu        sync.Mutex
	nameCache map[int32]string
	lastBuilt time.Time
}

func NewGopsutilMapper() *GopsutilMapper {
	return &GopsutilMapper{nameCache: make(map[int32]string)}
}

func (m *GopsutilMapper) Name() string    { return "gopsutil" }
func (m *GopsutilMapper) Priority() int   { return 100 }
func (m *GopsutilMapper) Available() bool { return true }

func (m *GopsutilMapper) Build() (*ConnectionMap, error) {
	conns, err := gopsnet.ConnectionsWithContext(context.Background(), "inet")
	if err != nil {
		return nil, err
	}

	m.refreshNameCache(conns)

	out := NewConnectionMap()
	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		local, ok := addrToAddrPort(c.Laddr.IP, c.Laddr.Port)
		if !ok {
			continue
		}
		remote, _ := addrToAddrPort(c.Raddr.IP, c.Raddr.Port)

		proto := TCP
		if c.Type == 2 { // syscall.SOCK_DGRAM
			proto = UDP
		}
		tuple := FourTuple{Proto: proto, Local: local, Remote: remote}
		out.Put(tuple, ConnectionEntry{PID: int(c.Pid), Inode: PseudoInode(tuple)})
	}
	return out, nil
}

// refreshNameCache rebuilds the PID->name map once, only for PIDs newly
// seen in this connection snapshot, instead of on every lookup.
func (m *GopsutilMapper) refreshNameCache(conns []gopsnet.ConnectionStat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		if _, ok := m.nameCache[c.Pid]; ok {
			continue
		}
		p, err := process.NewProcess(c.Pid)
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		m.nameCache[c.Pid] = name
	}
	m.lastBuilt = time.Now()
}

// ProcessName returns the cached name for pid, if known.
func (m *GopsutilMapper) ProcessName(pid int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.nameCache[pid]
	return name, ok
}

func addrToAddrPort(ip string, port uint32) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}
