// Package bpfdata defines the fixed-layout records shared between the
// user-space control plane and the in-kernel token-bucket program. These
// structs are the sole contract across that boundary: their field order,
// widths, and padding must match the eBPF map value layout exactly, so
// none of them may gain methods that change size or alignment.
package bpfdata

import (
	"encoding/binary"
	"errors"
)

var errShortBuffer = errors.New("bpfdata: buffer too short")

// TrafficType selects which destination addresses a cgroup throttle config
// applies to. Values match the in-kernel sentinel bytes.
type TrafficType uint8

const (
	TrafficAll      TrafficType = 0
	TrafficInternet TrafficType = 1
	TrafficLocal    TrafficType = 2
)

func (t TrafficType) String() string {
	switch t {
	case TrafficInternet:
		return "internet"
	case TrafficLocal:
		return "local"
	default:
		return "all"
	}
}

// TokenBucket is the per-cgroup rate-limiter state. capacity equals the
// burst size; tokens always satisfies 0 <= tokens <= capacity.
// last_update_ns == 0 means uninitialized: the kernel program seeds it with
// its own clock on first observation rather than trusting a user-space
// wall-clock value that may not be comparable to bpf_ktime_get_ns.
type TokenBucket struct {
	Capacity     uint64
	Tokens       uint64
	LastUpdateNs uint64
	RateBps      uint64
}

// CgroupThrottleConfig keys a TokenBucket by cgroup and carries the static
// rate/burst/traffic-type the bucket was created from. Padding is explicit
// so the struct keeps 8-byte alignment, matching the original C-layout
// record the eBPF side reads.
type CgroupThrottleConfig struct {
	CgroupID    uint64
	Pid         uint32
	TrafficType TrafficType
	Pad         [3]byte // keeps RateBps 8-byte aligned; unused
	RateBps     uint64
	BurstSize   uint64
}

// ThrottleStats are the monotonically non-decreasing, saturating counters
// the kernel program maintains per cgroup. ProgramCalls/ConfigMisses/
// CgroupIDSeen are diagnostic-only and have no effect on enforcement.
type ThrottleStats struct {
	PacketsTotal   uint64
	BytesTotal     uint64
	PacketsDropped uint64
	BytesDropped   uint64
	ProgramCalls   uint64
	ConfigMisses   uint64
	CgroupIDSeen   uint64
	Reserved       uint64
}

// Sizes of the fixed-layout records in bytes, matching the eBPF map
// ValueSize the loader registers for each map.
const (
	TokenBucketSize          = 32
	CgroupThrottleConfigSize = 32
	ThrottleStatsSize        = 64
)

// MarshalBinary implements encoding.BinaryMarshaler so these records can be
// written directly into eBPF map values without reflection over the struct
// (cilium/ebpf's reflective codec balks at fixed-size byte-array fields used
// purely for alignment padding).
func (b TokenBucket) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TokenBucketSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.Capacity)
	binary.LittleEndian.PutUint64(buf[8:16], b.Tokens)
	binary.LittleEndian.PutUint64(buf[16:24], b.LastUpdateNs)
	binary.LittleEndian.PutUint64(buf[24:32], b.RateBps)
	return buf, nil
}

func (b *TokenBucket) UnmarshalBinary(buf []byte) error {
	if len(buf) < TokenBucketSize {
		return errShortBuffer
	}
	b.Capacity = binary.LittleEndian.Uint64(buf[0:8])
	b.Tokens = binary.LittleEndian.Uint64(buf[8:16])
	b.LastUpdateNs = binary.LittleEndian.Uint64(buf[16:24])
	b.RateBps = binary.LittleEndian.Uint64(buf[24:32])
	return nil
}

func (c CgroupThrottleConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CgroupThrottleConfigSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.CgroupID)
	binary.LittleEndian.PutUint32(buf[8:12], c.Pid)
	buf[12] = byte(c.TrafficType)
	// buf[13:16] stays zero (padding)
	binary.LittleEndian.PutUint64(buf[16:24], c.RateBps)
	binary.LittleEndian.PutUint64(buf[24:32], c.BurstSize)
	return buf, nil
}

func (c *CgroupThrottleConfig) UnmarshalBinary(buf []byte) error {
	if len(buf) < CgroupThrottleConfigSize {
		return errShortBuffer
	}
	c.CgroupID = binary.LittleEndian.Uint64(buf[0:8])
	c.Pid = binary.LittleEndian.Uint32(buf[8:12])
	c.TrafficType = TrafficType(buf[12])
	c.RateBps = binary.LittleEndian.Uint64(buf[16:24])
	c.BurstSize = binary.LittleEndian.Uint64(buf[24:32])
	return nil
}

func (s ThrottleStats) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ThrottleStatsSize)
	binary.LittleEndian.PutUint64(buf[0:8], s.PacketsTotal)
	binary.LittleEndian.PutUint64(buf[8:16], s.BytesTotal)
	binary.LittleEndian.PutUint64(buf[16:24], s.PacketsDropped)
	binary.LittleEndian.PutUint64(buf[24:32], s.BytesDropped)
	binary.LittleEndian.PutUint64(buf[32:40], s.ProgramCalls)
	binary.LittleEndian.PutUint64(buf[40:48], s.ConfigMisses)
	binary.LittleEndian.PutUint64(buf[48:56], s.CgroupIDSeen)
	binary.LittleEndian.PutUint64(buf[56:64], s.Reserved)
	return buf, nil
}

func (s *ThrottleStats) UnmarshalBinary(buf []byte) error {
	if len(buf) < ThrottleStatsSize {
		return errShortBuffer
	}
	s.PacketsTotal = binary.LittleEndian.Uint64(buf[0:8])
	s.BytesTotal = binary.LittleEndian.Uint64(buf[8:16])
	s.PacketsDropped = binary.LittleEndian.Uint64(buf[16:24])
	s.BytesDropped = binary.LittleEndian.Uint64(buf[24:32])
	s.ProgramCalls = binary.LittleEndian.Uint64(buf[32:40])
	s.ConfigMisses = binary.LittleEndian.Uint64(buf[40:48])
	s.CgroupIDSeen = binary.LittleEndian.Uint64(buf[48:56])
	s.Reserved = binary.LittleEndian.Uint64(buf[56:64])
	return nil
}
