//go:build linux

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/ja7ad/netlimiter/pkg/classify"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
)

const captureSnapLen = 65536

// runCapture is the Linux monitoring path: live packet capture via libpcap
// on the chosen interface, decoded Ethernet -> IPv4/IPv6 -> TCP/UDP, with
// attribution joined against the connection map on every packet.
func (m *Monitor) runCapture(ctx context.Context) {
	defer m.wg.Done()

	iface, err := pickCaptureInterface()
	if err != nil {
		slog.Error("monitor: no capture interface available", "err", err)
		return
	}

	handle, err := pcap.OpenLive(iface, captureSnapLen, true, pcap.BlockForever)
	if err != nil {
		slog.Error("monitor: open capture interface", "iface", iface, "err", err)
		return
	}
	defer handle.Close()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			m.processPacket(pkt, iface)
		case now := <-ticker.C:
			m.refreshConnMap()
			m.tick(now, now.Sub(lastTick).Seconds())
			lastTick = now
		}
	}
}

// pickCaptureInterface prefers the first up, non-loopback device carrying
// an IPv4 address, falling back to any up non-loopback device.
func pickCaptureInterface() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("enumerate capture devices: %w", err)
	}

	var fallback string
	for _, d := range devs {
		iface, err := net.InterfaceByName(d.Name)
		if err != nil || iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if fallback == "" {
			fallback = d.Name
		}
		for _, a := range d.Addresses {
			if a.IP != nil && a.IP.To4() != nil {
				return d.Name, nil
			}
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no up, non-loopback capture device found")
}

// processPacket decodes one captured frame and attributes its length to
// whichever PID owns the matching connection-map entry, trying the forward
// tuple (this packet is outbound from a tracked socket) then the reverse
// tuple (inbound), then a UDP wildcard-remote retry for unconnected
// sockets.
func (m *Monitor) processPacket(pkt gopacket.Packet, iface string) {
	nl := pkt.NetworkLayer()
	if nl == nil {
		return
	}

	var srcIP, dstIP net.IP
	switch l := nl.(type) {
	case *layers.IPv4:
		srcIP, dstIP = l.SrcIP, l.DstIP
	case *layers.IPv6:
		srcIP, dstIP = l.SrcIP, l.DstIP
	default:
		return
	}
	srcAddr, ok1 := netip.AddrFromSlice(srcIP)
	dstAddr, ok2 := netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return
	}
	srcAddr, dstAddr = srcAddr.Unmap(), dstAddr.Unmap()

	var proto socketmap.Proto
	var srcPort, dstPort uint16
	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		proto, srcPort, dstPort = socketmap.TCP, uint16(tl.SrcPort), uint16(tl.DstPort)
	case *layers.UDP:
		proto, srcPort, dstPort = socketmap.UDP, uint16(tl.SrcPort), uint16(tl.DstPort)
	default:
		return
	}

	length := len(pkt.Data())
	src := netip.AddrPortFrom(srcAddr, srcPort)
	dst := netip.AddrPortFrom(dstAddr, dstPort)
	forward, reverse := forwardReverseTuples(proto, src, dst)

	connMap := m.currentConnMap()
	if connMap == nil {
		return
	}

	if e, ok := connMap.Lookup(forward); ok {
		m.addBytes(e.PID, iface, classify.Classify(dstAddr), length, true)
		return
	}
	if e, ok := connMap.Lookup(reverse); ok {
		m.addBytes(e.PID, iface, classify.Classify(srcAddr), length, false)
		return
	}
	if proto != socketmap.UDP {
		return
	}
	if e, ok := connMap.LookupUDPWildcard(src, socketmap.UDP); ok {
		m.addBytes(e.PID, iface, classify.Classify(dstAddr), length, true)
		return
	}
	if e, ok := connMap.LookupUDPWildcard(dst, socketmap.UDP); ok {
		m.addBytes(e.PID, iface, classify.Classify(srcAddr), length, false)
	}
}
