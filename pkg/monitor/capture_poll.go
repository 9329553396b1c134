//go:build darwin || windows

package monitor

import (
	"context"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/ja7ad/netlimiter/pkg/classify"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/system/util"
)

// runCapture is the macOS/Windows monitoring path. Neither platform exposes
// a per-connection byte counter the way Linux's procfs mapper's inode join
// does, so this polls gopsutil's per-NIC counters once a second and
// attributes each interface's byte delta across the PIDs that currently
// hold at least one connection, weighted by each PID's share of that
// interface's open connections. It is an estimate, not an exact join — the
// same tradeoff the original implementation's own Windows path documents
// for per-process attribution without a kernel capture driver.
func (m *Monitor) runCapture(ctx context.Context) {
	defer m.wg.Done()

	prevCounters := make(map[string]gopsnet.IOCountersStat)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.refreshConnMap()
			m.pollInterfaceCounters(prevCounters)
			m.tick(now, now.Sub(lastTick).Seconds())
			lastTick = now
		}
	}
}

// pollInterfaceCounters attributes each interface's byte delta since the
// previous poll across the PIDs holding connections, proportional to each
// PID's share of that interface's total connection count. Interfaces with
// no tracked connections are skipped; their traffic can't be attributed to
// any process.
func (m *Monitor) pollInterfaceCounters(prev map[string]gopsnet.IOCountersStat) {
	stats, err := gopsnet.IOCounters(true)
	if err != nil {
		return
	}

	connMap := m.currentConnMap()
	if connMap == nil {
		return
	}
	pidConns := connectionsByPID(connMap)
	totalConns := 0
	for _, conns := range pidConns {
		totalConns += len(conns)
	}

	for _, s := range stats {
		p := prev[s.Name]
		prev[s.Name] = s
		rxDelta := util.DeltaU64(s.BytesRecv, p.BytesRecv)
		txDelta := util.DeltaU64(s.BytesSent, p.BytesSent)
		if (rxDelta == 0 && txDelta == 0) || totalConns == 0 {
			continue
		}

		for pid, conns := range pidConns {
			weight := float64(len(conns)) / float64(totalConns)
			if weight <= 0 {
				continue
			}
			rxShare := int(float64(rxDelta) * weight)
			txShare := int(float64(txDelta) * weight)
			internetConns, localConns := splitByCategory(conns)
			internetRx, localRx := splitShare(rxShare, internetConns, localConns)
			internetTx, localTx := splitShare(txShare, internetConns, localConns)
			m.addBytes(pid, s.Name, classify.Internet, internetRx, false)
			m.addBytes(pid, s.Name, classify.Local, localRx, false)
			m.addBytes(pid, s.Name, classify.Internet, internetTx, true)
			m.addBytes(pid, s.Name, classify.Local, localTx, true)
		}
	}
}

func connectionsByPID(connMap *socketmap.ConnectionMap) map[int][]socketmap.FourTuple {
	out := make(map[int][]socketmap.FourTuple)
	for _, pid := range connMap.PIDs() {
		out[pid] = connMap.ConnectionsForPID(pid)
	}
	return out
}

func splitByCategory(conns []socketmap.FourTuple) (internet, local int) {
	for _, c := range conns {
		if classify.Classify(c.Remote.Addr()) == classify.Internet {
			internet++
		} else {
			local++
		}
	}
	return internet, local
}

func splitShare(total int, internetConns, localConns int) (internetShare, localShare int) {
	n := internetConns + localConns
	if n == 0 || total == 0 {
		return 0, 0
	}
	internetShare = total * internetConns / n
	localShare = total - internetShare
	return internetShare, localShare
}
