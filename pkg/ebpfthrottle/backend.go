//go:build linux

// Package ebpfthrottle implements upload and download throttling by
// attaching a cgroup-skb token-bucket program to each throttled process's
// cgroup egress/ingress hook. It is the highest-priority backend on any
// cgroup v2 host: no IFB interface, no TC qdisc, no shelled-out commands.
package ebpfthrottle

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/ja7ad/netlimiter/pkg/bpfdata"
	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// attachMethod records whether a cgroup attachment used the modern
// link-create syscall (auto-detaches when the link.Link is closed) or the
// legacy PROG_ATTACH syscall (requires an explicit detach on cleanup).
type attachMethod int

const (
	attachLink attachMethod = iota
	attachLegacy
)

const sentinelKey uint32 = 0

// cgroupState is the per-cgroup attachment record: the loaded program
// instance dedicated to this cgroup, its maps, and how many PIDs currently
// share it. A cgroup transitions Detached -> Attached(refcount=N) ->
// Detached: the first throttle on a cgroup attaches; each subsequent
// throttle on the same cgroup increments refcount; each removal decrements
// it; reaching zero clears the bucket/config/stats entries but leaves the
// program attached until the backend's own Cleanup runs the final detach.
type cgroupState struct {
	handle   cgroup.Handle
	objects  *netlimiterObjects
	link     link.Link // non-nil when attached via attachLink
	method   attachMethod
	refcount int
}

type direction int

const (
	directionEgress direction = iota
	directionIngress
)

// backend is shared between the egress (upload) and ingress (download)
// variants; only the attach direction and program selection differ.
type backend struct {
	dir direction

	cg cgroup.Backend

	mu     sync.Mutex
	byPath map[string]*cgroupState // cgroup path -> attachment state
	byPID  map[int]string          // pid -> cgroup path, for routing removal/lookup
	limits map[int]uint64          // pid -> configured rate, for Get*Throttle
}

func newBackend(dir direction, cg cgroup.Backend) *backend {
	return &backend{
		dir:    dir,
		cg:     cg,
		byPath: make(map[string]*cgroupState),
		byPID:  make(map[int]string),
		limits: make(map[int]uint64),
	}
}

// NewUploadBackend returns the egress-hook throttle backend.
func NewUploadBackend(cg cgroup.Backend) throttle.UploadBackend {
	return &uploadBackend{backend: newBackend(directionEgress, cg)}
}

// NewDownloadBackend returns the ingress-hook throttle backend.
func NewDownloadBackend(cg cgroup.Backend) throttle.DownloadBackend {
	return &downloadBackend{backend: newBackend(directionIngress, cg)}
}

func (b *backend) name() string {
	if b.dir == directionEgress {
		return "ebpf-egress"
	}
	return "ebpf-ingress"
}

func (b *backend) isAvailable() bool {
	return b.cg.IsAvailable()
}

func (b *backend) unavailableReason() string {
	return b.cg.UnavailableReason()
}

func (b *backend) capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: true, SupportsBurst: true}
}

func (b *backend) supportsTrafficType(throttle.TrafficType) bool {
	// Every traffic type is accepted. The traffic type is stored in the
	// config record, but the kernel program does not read it: the bucket
	// limits all of the cgroup's traffic, whatever the destination.
	return true
}

// apply attaches (or reuses) the cgroup for pid and writes its throttle
// configuration into the dedicated map instance.
func (b *backend) apply(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.byPID[pid]
	if !ok {
		handle, err := b.cg.CreateCgroup(pid, "throttle")
		if err != nil {
			return throttle.ErrRuleInsertionFailed(b.name(), pid, err)
		}
		path = handle.Path
		if err := b.attachLocked(path, handle); err != nil {
			return err
		}
		b.byPID[pid] = path
	}

	state := b.byPath[path]
	state.refcount++

	cfg := bpfdata.CgroupThrottleConfig{
		CgroupID:    0, // unused: the sentinel key replaces cgroup-id lookups
		Pid:         uint32(pid),
		TrafficType: tt,
		RateBps:     limitBps,
		BurstSize:   limitBps,
	}
	if err := state.objects.configMap().Update(sentinelKey, cfg, ebpf.UpdateAny); err != nil {
		return throttle.ErrMapUpdateFailed(b.name(), pid, err)
	}
	seed := bpfdata.TokenBucket{Capacity: limitBps, Tokens: limitBps, RateBps: limitBps}
	if err := state.objects.bucketMap().Update(sentinelKey, seed, ebpf.UpdateAny); err != nil {
		return throttle.ErrMapUpdateFailed(b.name(), pid, err)
	}

	b.limits[pid] = limitBps
	return nil
}

func (b *backend) attachLocked(path string, handle cgroup.Handle) error {
	if _, ok := b.byPath[path]; ok {
		return nil // already attached, refcount handled by caller
	}

	objs, err := loadObjects()
	if err != nil {
		return throttle.ErrBackendUnavailable(b.name(), fmt.Sprintf("load bpf objects: %v", err))
	}

	prog := objs.egressProgram()
	if b.dir == directionIngress {
		prog = objs.ingressProgram()
	}

	cgroupFD, err := openCgroupDir(path)
	if err != nil {
		objs.Close()
		return throttle.ErrBackendUnavailable(b.name(), fmt.Sprintf("open cgroup dir: %v", err))
	}
	defer cgroupFD.Close()

	attachType := ebpf.AttachCGroupInetEgress
	if b.dir == directionIngress {
		attachType = ebpf.AttachCGroupInetIngress
	}

	var (
		l      link.Link
		method attachMethod
	)
	switch currentAttachPreference() {
	case AttachPreferLegacy:
		if err := legacyAttach(cgroupFD, prog, attachType); err != nil {
			objs.Close()
			return throttle.ErrBackendUnavailable(b.name(), fmt.Sprintf("legacy attach to cgroup: %v", err))
		}
		method = attachLegacy
	case AttachPreferLink:
		lnk, err := link.AttachCgroup(link.CgroupOptions{
			Path:    path,
			Attach:  attachType,
			Program: prog,
		})
		if err != nil {
			objs.Close()
			return throttle.ErrBackendUnavailable(b.name(), fmt.Sprintf("link attach to cgroup: %v", err))
		}
		l, method = lnk, attachLink
	default: // AttachAuto
		lnk, err := link.AttachCgroup(link.CgroupOptions{
			Path:    path,
			Attach:  attachType,
			Program: prog,
		})
		method = attachLink
		if err != nil {
			// Fall back to the legacy attach syscall; the kernel doesn't
			// support bpf_link for cgroup attachments before 5.7.
			if legacyErr := legacyAttach(cgroupFD, prog, attachType); legacyErr != nil {
				objs.Close()
				return throttle.ErrBackendUnavailable(b.name(), fmt.Sprintf("attach to cgroup: %v (legacy fallback: %v)", err, legacyErr))
			}
			method = attachLegacy
		} else {
			l = lnk
		}
	}

	b.byPath[path] = &cgroupState{
		handle: handle,
		objects: objs,
		link:   l,
		method: method,
	}
	return nil
}

func (b *backend) remove(pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.byPID[pid]
	if !ok {
		return nil
	}
	delete(b.byPID, pid)
	delete(b.limits, pid)

	state, ok := b.byPath[path]
	if !ok {
		return nil
	}
	state.refcount--
	if state.refcount <= 0 {
		// Clear the map entries; the program and its link stay attached
		// until Cleanup runs so a new throttle on this cgroup doesn't pay
		// reattachment cost.
		_ = state.objects.configMap().Delete(sentinelKey)
		_ = state.objects.bucketMap().Delete(sentinelKey)
		_ = state.objects.statsMap().Delete(sentinelKey)
	}
	return nil
}

func (b *backend) get(pid int) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.limits[pid]
	return v, ok
}

func (b *backend) all() map[int]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]uint64, len(b.limits))
	for k, v := range b.limits {
		out[k] = v
	}
	return out
}

// cleanup detaches every program instance and frees every cgroup this
// backend created, aggregating errors rather than stopping at the first.
func (b *backend) cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for path, state := range b.byPath {
		if state.method == attachLink && state.link != nil {
			if err := state.link.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("detach link for %s: %w", path, err)
			}
		} else if state.method == attachLegacy {
			if err := legacyDetach(path, b.dir); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("legacy detach for %s: %w", path, err)
			}
		}
		state.objects.Close()
		if err := b.cg.RemoveCgroup(state.handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove cgroup %s: %w", path, err)
		}
	}
	b.byPath = make(map[string]*cgroupState)
	b.byPID = make(map[int]string)
	b.limits = make(map[int]uint64)
	return firstErr
}

// logDiagnostics reads the stats map for pid's cgroup.
func (b *backend) logDiagnostics(pid int) (bpfdata.ThrottleStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, ok := b.byPID[pid]
	if !ok {
		return bpfdata.ThrottleStats{}, throttle.ErrProcessVanished(pid)
	}
	state := b.byPath[path]
	var stats bpfdata.ThrottleStats
	if err := state.objects.statsMap().Lookup(sentinelKey, &stats); err != nil {
		return bpfdata.ThrottleStats{}, throttle.ErrMapUpdateFailed(b.name(), pid, err)
	}
	return stats, nil
}

type uploadBackend struct{ *backend }

func (u *uploadBackend) Name() string             { return u.name() }
func (u *uploadBackend) Priority() int             { return 100 }
func (u *uploadBackend) IsAvailable() bool         { return u.isAvailable() }
func (u *uploadBackend) UnavailableReason() string { return u.unavailableReason() }
func (u *uploadBackend) SupportsTrafficType(tt throttle.TrafficType) bool {
	return u.supportsTrafficType(tt)
}
func (u *uploadBackend) Capabilities() throttle.Capabilities { return u.capabilities() }
func (u *uploadBackend) Cleanup() error                      { return u.cleanup() }
func (u *uploadBackend) ThrottleUpload(pid int, name string, limitBps uint64, tt throttle.TrafficType) error {
	return u.apply(pid, name, limitBps, tt)
}
func (u *uploadBackend) RemoveUploadThrottle(pid int) error      { return u.remove(pid) }
func (u *uploadBackend) GetUploadThrottle(pid int) (uint64, bool) { return u.get(pid) }
func (u *uploadBackend) AllUploadThrottles() map[int]uint64      { return u.all() }

type downloadBackend struct{ *backend }

func (d *downloadBackend) Name() string             { return d.name() }
func (d *downloadBackend) Priority() int             { return 100 }
func (d *downloadBackend) IsAvailable() bool         { return d.isAvailable() }
func (d *downloadBackend) UnavailableReason() string { return d.unavailableReason() }
func (d *downloadBackend) SupportsTrafficType(tt throttle.TrafficType) bool {
	return d.supportsTrafficType(tt)
}
func (d *downloadBackend) Capabilities() throttle.Capabilities { return d.capabilities() }
func (d *downloadBackend) Cleanup() error                       { return d.cleanup() }
func (d *downloadBackend) ThrottleDownload(pid int, name string, limitBps uint64, tt throttle.TrafficType) error {
	return d.apply(pid, name, limitBps, tt)
}
func (d *downloadBackend) RemoveDownloadThrottle(pid int) error      { return d.remove(pid) }
func (d *downloadBackend) GetDownloadThrottle(pid int) (uint64, bool) { return d.get(pid) }
func (d *downloadBackend) AllDownloadThrottles() map[int]uint64      { return d.all() }
