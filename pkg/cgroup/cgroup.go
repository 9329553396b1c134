//go:build linux

// Package cgroup detects the cgroup hierarchy available on the running
// kernel and provides a small abstraction over creating/removing per-process
// cgroups on either v1 (net_cls classid) or v2 (unified hierarchy), so the
// throttle backends built on top of it never need to special-case the
// hierarchy themselves.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Version identifies which cgroup hierarchy (or hierarchies) are mounted.
type Version int

const (
	Unsupported Version = iota // non-Linux or no cgroup mounts
	V1                         // legacy multi-hierarchy cgroup v1
	V2                         // unified cgroup v2
	Hybrid                     // both v1 and v2 present
)

func (v Version) String() string {
	switch v {
	case V1:
		return "cgroup v1"
	case V2:
		return "cgroup v2"
	case Hybrid:
		return "cgroup hybrid"
	default:
		return "unsupported"
	}
}

// BackendType names a concrete cgroup-backed throttling path. Kept distinct
// from Version because V2 systems can be driven by either eBPF or nftables.
type BackendType int

const (
	BackendV1 BackendType = iota
	BackendV2Nftables
	BackendV2Ebpf
)

func (b BackendType) String() string {
	switch b {
	case BackendV1:
		return "v1"
	case BackendV2Nftables:
		return "v2-nftables"
	case BackendV2Ebpf:
		return "v2-ebpf"
	default:
		return "unknown"
	}
}

// Detect returns the detected cgroup version and a human-readable detail
// string. It parses /proc/self/mountinfo looking for cgroup filesystems.
// The line format has a " - fstype " separator; we only care about fstype.
func Detect() (Version, string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Unsupported, "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var (
		hasV1 bool
		hasV2 bool
		v1Pts []string
		v2Pts []string
		sc    = bufio.NewScanner(f)
	)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := line[i+len(sep):]
		fields := strings.Fields(tail)
		if len(fields) < 1 {
			continue
		}
		fstype := fields[0]

		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		mountPoint := pre[4]

		switch fstype {
		case "cgroup2":
			hasV2 = true
			v2Pts = append(v2Pts, mountPoint)
		case "cgroup":
			// A v1 mount is only useful to us if it carries the net_cls
			// controller; other controllers (cpu, memory, ...) don't help
			// throttling. The controller name appears in the super options
			// after the separator; the whole line is searched for it.
			if len(pre) >= 1 && strings.Contains(line, "net_cls") {
				hasV1 = true
				v1Pts = append(v1Pts, mountPoint)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Unsupported, "", fmt.Errorf("scan mountinfo: %w", err)
	}

	switch {
	case hasV1 && hasV2:
		return Hybrid, fmt.Sprintf("cgroup2 on %v; net_cls v1 on %v",
			strings.Join(v2Pts, ","), strings.Join(v1Pts, ",")), nil
	case hasV2:
		return V2, fmt.Sprintf("cgroup2 on %v", strings.Join(v2Pts, ",")), nil
	case hasV1:
		return V1, fmt.Sprintf("net_cls v1 on %v", strings.Join(v1Pts, ",")), nil
	default:
		return Unsupported, "no cgroup mounts found", nil
	}
}

// MustDetect is a convenience that panics on error.
func MustDetect() Version {
	v, _, err := Detect()
	if err != nil {
		panic(err)
	}
	return v
}

// IsV1Available reports whether a net_cls v1 hierarchy is mounted, regardless
// of whether v2 is also present. Some throttle backends (TC with a cgroup
// filter) need v1 specifically even on a hybrid system.
func IsV1Available() bool {
	v, _, err := Detect()
	if err != nil {
		return false
	}
	return v == V1 || v == Hybrid
}

// SelectBest tries V2+eBPF, then V2+nftables, then V1, returning the first
// backend type whose prerequisites are satisfied on this host. ebpfOK and
// nftablesOK let callers report a true probe result (e.g. whether the eBPF
// program actually loaded) rather than assuming success from version alone.
func SelectBest(ver Version, ebpfOK, nftablesOK bool) (BackendType, bool) {
	if (ver == V2 || ver == Hybrid) && ebpfOK {
		return BackendV2Ebpf, true
	}
	if (ver == V2 || ver == Hybrid) && nftablesOK {
		return BackendV2Nftables, true
	}
	if ver == V1 || ver == Hybrid {
		return BackendV1, true
	}
	return BackendV1, false
}
