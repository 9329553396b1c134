//go:build darwin || windows

package monitor

import (
	"net/netip"
	"testing"

	"github.com/ja7ad/netlimiter/pkg/socketmap"
)

func TestSplitByCategory_CountsInternetAndLocal(t *testing.T) {
	conns := []socketmap.FourTuple{
		{Proto: socketmap.TCP, Remote: netip.MustParseAddrPort("93.184.216.34:443")},
		{Proto: socketmap.TCP, Remote: netip.MustParseAddrPort("10.0.0.5:8080")},
		{Proto: socketmap.TCP, Remote: netip.MustParseAddrPort("8.8.8.8:53")},
	}
	internet, local := splitByCategory(conns)
	if internet != 2 || local != 1 {
		t.Fatalf("expected 2 internet / 1 local, got %d/%d", internet, local)
	}
}

func TestSplitShare_ProportionalToConnectionCounts(t *testing.T) {
	internetShare, localShare := splitShare(100, 3, 1)
	if internetShare+localShare != 100 {
		t.Fatalf("expected shares to sum to the total, got %d+%d", internetShare, localShare)
	}
	if internetShare != 75 {
		t.Fatalf("expected a 3:1 split to give internet 75, got %d", internetShare)
	}
}

func TestSplitShare_ZeroConnectionsIsZero(t *testing.T) {
	internetShare, localShare := splitShare(100, 0, 0)
	if internetShare != 0 || localShare != 0 {
		t.Fatalf("expected zero shares with no connections, got %d/%d", internetShare, localShare)
	}
}

func TestConnectionsByPID_GroupsByOwner(t *testing.T) {
	cm := socketmap.NewConnectionMap()
	cm.Put(socketmap.FourTuple{Proto: socketmap.TCP, Local: netip.MustParseAddrPort("10.0.0.1:1"), Remote: netip.MustParseAddrPort("1.1.1.1:2")},
		socketmap.ConnectionEntry{PID: 5})
	cm.Put(socketmap.FourTuple{Proto: socketmap.TCP, Local: netip.MustParseAddrPort("10.0.0.1:2"), Remote: netip.MustParseAddrPort("1.1.1.1:3")},
		socketmap.ConnectionEntry{PID: 5})
	cm.Put(socketmap.FourTuple{Proto: socketmap.TCP, Local: netip.MustParseAddrPort("10.0.0.1:3"), Remote: netip.MustParseAddrPort("1.1.1.1:4")},
		socketmap.ConnectionEntry{PID: 9})

	byPID := connectionsByPID(cm)
	if len(byPID[5]) != 2 || len(byPID[9]) != 1 {
		t.Fatalf("unexpected grouping: %v", byPID)
	}
}
