// Package bucket implements the token-bucket admission algorithm that the
// in-kernel cgroup-skb program runs per packet. It is expressed here in
// ordinary Go so the exact arithmetic (including the two-step division that
// keeps the tokens-to-add computation inside 64 bits) can be unit-tested
// without a kernel or a compiled eBPF object, and so the netlink/nftables
// fallback backends can replicate the same rate math when they need to
// reason about burst behavior.
//
// The function below never allocates and never panics, mirroring the
// constraints the real kernel program runs under (no heap, no panics,
// bounded instructions) even though Go itself cannot enforce those
// constraints for code running outside a BPF verifier.
package bucket

import "github.com/ja7ad/netlimiter/pkg/bpfdata"

// Verdict is the admission decision for one packet.
type Verdict int

const (
	Admit Verdict = iota
	Drop
)

// Allow runs the token-bucket algorithm against b for a packet of the given
// size observed at nowNs (a monotonic nanosecond timestamp). It mutates b in
// place exactly as the kernel map update would: refill, clamp to capacity,
// then debit if enough tokens are available.
//
// If b.LastUpdateNs is 0 (uninitialized, per the data contract) it is seeded
// from nowNs with a full bucket before accounting for this packet — this is
// the "kernel replaces it on first observation" rule: a zero value from user
// space must never be treated as "clock started at the epoch."
func Allow(b *bpfdata.TokenBucket, packetSize, nowNs uint64) Verdict {
	if b.LastUpdateNs == 0 {
		b.Capacity = maxU64(b.Capacity, b.RateBps)
		if b.Capacity == 0 {
			b.Capacity = b.RateBps
		}
		b.Tokens = b.Capacity
		b.LastUpdateNs = nowNs
	}

	elapsedNs := satSub(nowNs, b.LastUpdateNs)

	// Two-step division: (elapsed_ns/1000) * rate_bps / 1_000_000 instead of
	// elapsed_ns * rate_bps / 1_000_000_000, so the intermediate product is
	// 1000 times smaller; satMul clamps it to the 64-bit maximum when even
	// that overflows (e.g. rate_bps = 1e12 with more than ~18s elapsed).
	elapsedUs := elapsedNs / 1000
	tokensToAdd := satMul(elapsedUs, b.RateBps) / 1_000_000

	b.Tokens = satAdd(b.Tokens, tokensToAdd)
	if b.Tokens > b.Capacity {
		b.Tokens = b.Capacity
	}
	b.LastUpdateNs = nowNs

	if b.Tokens >= packetSize {
		b.Tokens = satSub(b.Tokens, packetSize)
		return Admit
	}
	return Drop
}

// UpdateStats applies the saturating counter updates a successful (or
// rejected) admission causes. Call after Allow with the same packetSize and
// the verdict it returned.
func UpdateStats(s *bpfdata.ThrottleStats, packetSize uint64, v Verdict) {
	s.PacketsTotal = satAdd(s.PacketsTotal, 1)
	s.BytesTotal = satAdd(s.BytesTotal, packetSize)
	if v == Drop {
		s.PacketsDropped = satAdd(s.PacketsDropped, 1)
		s.BytesDropped = satAdd(s.BytesDropped, packetSize)
	}
}

func satAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a { // overflow
		return ^uint64(0)
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	p := a * b
	if p/a != b { // overflow
		return ^uint64(0)
	}
	return p
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
