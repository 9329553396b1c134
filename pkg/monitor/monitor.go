// Package monitor attributes captured network traffic to the process that
// owns it and exposes per-process, per-interface bandwidth as a snapshot
// the CLI/UI layer polls once a second. Attribution itself is platform
// specific (packet capture on Linux, interface-counter polling elsewhere);
// this file holds the parts every platform shares: the process/interface
// tables, the rate computation, and the terminated-process grace window.
package monitor

import (
	"context"
	"net/netip"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/ja7ad/netlimiter/pkg/classify"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/system/util"
)

const (
	updateInterval  = time.Second
	terminatedGrace = 5 * time.Second
)

// InterfaceStat is one process's bandwidth on one network interface, split
// by traffic class the way every throttle backend's filter already is.
type InterfaceStat struct {
	DownloadRate     uint64
	UploadRate       uint64
	TotalDownload    uint64
	TotalUpload      uint64
	InternetDownload uint64
	InternetUpload   uint64
	LocalDownload    uint64
	LocalUpload      uint64
}

// ProcessInfo is the public, per-process view returned by Snapshot.
type ProcessInfo struct {
	PID           int
	Name          string
	DownloadRate  uint64
	UploadRate    uint64
	TotalDownload uint64
	TotalUpload   uint64
	IsTerminated  bool
	Interfaces    map[string]InterfaceStat
}

type ifaceCounters struct {
	rxBytes, txBytes         uint64
	lastRxBytes, lastTxBytes uint64
	downloadRate, uploadRate uint64
	internetRx, internetTx   uint64
	localRx, localTx         uint64
}

type processState struct {
	name                     string
	rxBytes, txBytes         uint64
	lastRxBytes, lastTxBytes uint64
	downloadRate, uploadRate uint64
	ifaces                   map[string]*ifaceCounters
	terminatedAt             time.Time // zero means still alive
}

// Monitor tracks per-process bandwidth by joining captured or polled traffic
// against a socket-to-PID map refreshed once a second. The connection map
// and process table are behind a single mutex; refreshConnMap builds the
// replacement map outside the lock and only takes it to swap the pointer.
type Monitor struct {
	mu      sync.Mutex
	procs   map[int]*processState
	connMap *socketmap.ConnectionMap

	mapper socketmap.Mapper

	// filteredInterfaces is nil (show all), empty non-nil (show none), or
	// an explicit allow-list, matching the persisted config's tri-state.
	filteredInterfaces []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor using mapper for socket-to-PID attribution.
// filteredInterfaces follows the config tri-state: nil shows every
// interface, a non-nil empty slice shows none, otherwise only the named
// interfaces are included in a process's Interfaces map.
func New(mapper socketmap.Mapper, filteredInterfaces []string) *Monitor {
	return &Monitor{
		procs:              make(map[int]*processState),
		mapper:             mapper,
		filteredInterfaces: filteredInterfaces,
	}
}

// Start pre-seeds the process table from a synchronous connection-map
// build (so processes with an already-open connection appear with zero
// counters on the very first snapshot) and launches the platform-specific
// capture loop. runCapture is defined per platform in capture_linux.go and
// capture_poll.go.
func (m *Monitor) Start(ctx context.Context) error {
	connMap, err := m.mapper.Build()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.connMap = connMap
	for _, pid := range connMap.PIDs() {
		if _, ok := m.procs[pid]; !ok {
			m.procs[pid] = &processState{name: processName(pid), ifaces: make(map[string]*ifaceCounters)}
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.runCapture(ctx)
	return nil
}

// Stop cancels the capture loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns the current bandwidth view for every tracked process,
// in no particular order.
func (m *Monitor) Snapshot() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProcessInfo, 0, len(m.procs))
	for pid, ps := range m.procs {
		pi := ProcessInfo{
			PID:           pid,
			Name:          ps.name,
			DownloadRate:  ps.downloadRate,
			UploadRate:    ps.uploadRate,
			TotalDownload: ps.rxBytes,
			TotalUpload:   ps.txBytes,
			IsTerminated:  !ps.terminatedAt.IsZero(),
			Interfaces:    make(map[string]InterfaceStat, len(ps.ifaces)),
		}
		for name, ic := range ps.ifaces {
			if !m.ifaceAllowed(name) {
				continue
			}
			pi.Interfaces[name] = InterfaceStat{
				DownloadRate:     ic.downloadRate,
				UploadRate:       ic.uploadRate,
				TotalDownload:    ic.rxBytes,
				TotalUpload:      ic.txBytes,
				InternetDownload: ic.internetRx,
				InternetUpload:   ic.internetTx,
				LocalDownload:    ic.localRx,
				LocalUpload:      ic.localTx,
			}
		}
		out = append(out, pi)
	}
	return out
}

func (m *Monitor) ifaceAllowed(name string) bool {
	if m.filteredInterfaces == nil {
		return true
	}
	for _, n := range m.filteredInterfaces {
		if n == name {
			return true
		}
	}
	return false
}

// refreshConnMap rebuilds the socket-to-PID map outside the lock, then
// swaps it in and pre-seeds any newly observed PID with a zero-valued
// entry, under a single short critical section.
func (m *Monitor) refreshConnMap() {
	connMap, err := m.mapper.Build()
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connMap = connMap
	for _, pid := range connMap.PIDs() {
		if _, ok := m.procs[pid]; !ok {
			m.procs[pid] = &processState{name: processName(pid), ifaces: make(map[string]*ifaceCounters)}
		}
	}
}

func (m *Monitor) currentConnMap() *socketmap.ConnectionMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connMap
}

// addBytes attributes n bytes of cat-classified traffic on iface to pid,
// creating the process/interface entries on first sight.
func (m *Monitor) addBytes(pid int, iface string, cat classify.Category, n int, isUpload bool) {
	if n <= 0 {
		return
	}
	delta := uint64(n)

	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.procs[pid]
	if !ok {
		ps = &processState{name: processName(pid), ifaces: make(map[string]*ifaceCounters)}
		m.procs[pid] = ps
	}
	ps.terminatedAt = time.Time{}

	ic, ok := ps.ifaces[iface]
	if !ok {
		ic = &ifaceCounters{}
		ps.ifaces[iface] = ic
	}

	if isUpload {
		ps.txBytes += delta
		ic.txBytes += delta
		if cat == classify.Internet {
			ic.internetTx += delta
		} else {
			ic.localTx += delta
		}
		return
	}
	ps.rxBytes += delta
	ic.rxBytes += delta
	if cat == classify.Internet {
		ic.internetRx += delta
	} else {
		ic.localRx += delta
	}
}

// tick recomputes per-process and per-interface rates from the counter
// deltas accumulated since the previous tick, and evicts processes that
// have been gone longer than the terminated-process grace window.
func (m *Monitor) tick(now time.Time, elapsedSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pid, ps := range m.procs {
		exists, _ := gopsprocess.PidExistsWithContext(context.Background(), int32(pid))
		if !exists {
			if ps.terminatedAt.IsZero() {
				ps.terminatedAt = now
			}
			if now.Sub(ps.terminatedAt) > terminatedGrace {
				delete(m.procs, pid)
				continue
			}
			ps.downloadRate, ps.uploadRate = 0, 0
			for _, ic := range ps.ifaces {
				ic.downloadRate, ic.uploadRate = 0, 0
			}
			continue
		}

		rxDelta := util.DeltaU64(ps.rxBytes, ps.lastRxBytes)
		txDelta := util.DeltaU64(ps.txBytes, ps.lastTxBytes)
		ps.downloadRate = uint64(util.SafeDiv(float64(rxDelta), elapsedSec))
		ps.uploadRate = uint64(util.SafeDiv(float64(txDelta), elapsedSec))
		ps.lastRxBytes, ps.lastTxBytes = ps.rxBytes, ps.txBytes

		for _, ic := range ps.ifaces {
			rd := util.DeltaU64(ic.rxBytes, ic.lastRxBytes)
			td := util.DeltaU64(ic.txBytes, ic.lastTxBytes)
			ic.downloadRate = uint64(util.SafeDiv(float64(rd), elapsedSec))
			ic.uploadRate = uint64(util.SafeDiv(float64(td), elapsedSec))
			ic.lastRxBytes, ic.lastTxBytes = ic.rxBytes, ic.txBytes
		}
	}
}

// processName resolves a PID's executable name via gopsutil, the same
// cross-platform lookup the gopsutil socket mapper already uses for its
// own name cache. Returns an empty string if the process can't be
// inspected (already exited, or insufficient permission).
func processName(pid int) string {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

// forwardReverseTuples builds the two 4-tuples a captured packet could
// match against the connection map: the sender's own view (forward) and
// the receiver's (reverse).
func forwardReverseTuples(proto socketmap.Proto, src, dst netip.AddrPort) (forward, reverse socketmap.FourTuple) {
	forward = socketmap.FourTuple{Proto: proto, Local: src, Remote: dst}
	reverse = socketmap.FourTuple{Proto: proto, Local: dst, Remote: src}
	return forward, reverse
}
