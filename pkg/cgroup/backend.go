//go:build linux

package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Handle identifies one created cgroup: the process it was created for, the
// path on disk, and the backend-specific identifier Filter (the classid as
// "major:minor" for v1, the cgroup path for v2). GetFilterExpression turns a
// handle into the match expression other subsystems (nftables, TC) use.
type Handle struct {
	PID    int
	Path   string
	Filter string
	Type   BackendType
}

// Backend is the capability set every cgroup backend provides: creation,
// removal, and the filter expression needed to match this cgroup's traffic
// from a firewall or TC rule.
type Backend interface {
	BackendType() BackendType
	IsAvailable() bool
	UnavailableReason() string
	CreateCgroup(pid int, name string) (Handle, error)
	RemoveCgroup(h Handle) error
	GetFilterExpression(h Handle) string
	ListActiveCgroups() ([]Handle, error)
}

const (
	netClsBase  = "/sys/fs/cgroup/net_cls"
	unifiedBase = "/sys/fs/cgroup"
	appDir      = "netlimiter"
)

// V1Backend drives the legacy net_cls controller: one subdirectory per
// throttled process under /sys/fs/cgroup/net_cls/netlimiter, tagged with a
// classid that TC filters and nftables meta-cgroup matches can key on.
type V1Backend struct {
	basePath string

	mu           sync.Mutex
	nextClassid  uint32
	classidByPID map[int]uint32
}

func NewV1Backend() *V1Backend {
	return &V1Backend{
		basePath:     filepath.Join(netClsBase, appDir),
		nextClassid:  1,
		classidByPID: make(map[int]uint32),
	}
}

func (b *V1Backend) BackendType() BackendType { return BackendV1 }

func (b *V1Backend) IsAvailable() bool {
	info, err := os.Stat(netClsBase)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(netClsBase, "cgroup.procs"))
	return err == nil
}

func (b *V1Backend) UnavailableReason() string {
	info, err := os.Stat(netClsBase)
	if err != nil {
		return fmt.Sprintf("net_cls controller not found at %s: %v", netClsBase, err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("%s exists but is not a directory", netClsBase)
	}
	return fmt.Sprintf("net_cls controller at %s is not accessible (permission denied?)", netClsBase)
}

// classidHex encodes a classid as 0x00010000 | classid, matching the
// major:minor TC convention (major=1).
func classidHex(classid uint32) uint32 { return 0x00010000 | classid }

func classidTC(classid uint32) string { return fmt.Sprintf("1:%d", classid) }

func (b *V1Backend) allocateClassid(pid int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.classidByPID[pid]; ok {
		return id
	}
	id := b.nextClassid
	b.nextClassid++
	b.classidByPID[pid] = id
	return id
}

func (b *V1Backend) freeClassid(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.classidByPID, pid)
}

func (b *V1Backend) CreateCgroup(pid int, name string) (Handle, error) {
	classid := b.allocateClassid(pid)

	if err := os.MkdirAll(b.basePath, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create net_cls base dir: %w", err)
	}

	cgroupName := fmt.Sprintf("%s_%d", name, pid)
	path := filepath.Join(b.basePath, cgroupName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create cgroup %s: %w", path, err)
	}

	classidFile := filepath.Join(path, "net_cls.classid")
	if err := os.WriteFile(classidFile, []byte(strconv.FormatUint(uint64(classidHex(classid)), 10)), 0o644); err != nil {
		return Handle{}, fmt.Errorf("write classid to %s: %w", classidFile, err)
	}

	procsFile := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procsFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return Handle{}, fmt.Errorf("add pid %d to cgroup: %w", pid, err)
	}

	return Handle{
		PID:    pid,
		Path:   path,
		Filter: classidTC(classid),
		Type:   BackendV1,
	}, nil
}

func (b *V1Backend) RemoveCgroup(h Handle) error {
	b.freeClassid(h.PID)
	if h.Path == "" {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		// Non-empty directory (processes still attached) is not fatal: the
		// kernel removes it once the last process exits the cgroup.
		if !strings.Contains(err.Error(), "directory not empty") {
			return fmt.Errorf("remove cgroup %s: %w", h.Path, err)
		}
	}
	return nil
}

func (b *V1Backend) GetFilterExpression(h Handle) string {
	return "classid " + h.Filter
}

func (b *V1Backend) ListActiveCgroups() ([]Handle, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", b.basePath, err)
	}

	var handles []Handle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		idx := strings.LastIndex(e.Name(), "_")
		if idx < 0 {
			continue
		}
		pid, err := strconv.Atoi(e.Name()[idx+1:])
		if err != nil {
			continue
		}
		path := filepath.Join(b.basePath, e.Name())
		raw, err := os.ReadFile(filepath.Join(path, "net_cls.classid"))
		if err != nil {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
		if err != nil {
			continue
		}
		handles = append(handles, Handle{
			PID:    pid,
			Path:   path,
			Filter: classidTC(uint32(n) & 0xffff),
			Type:   BackendV1,
		})
	}
	return handles, nil
}

// V2Backend drives the unified hierarchy: one subdirectory per throttled
// process under /sys/fs/cgroup/netlimiter, with no classid — cgroup v2
// consumers (eBPF cgroup-skb programs, nftables' socket cgroupv2 matcher)
// key on the cgroup path itself.
type V2Backend struct {
	basePath string
	kind     BackendType // BackendV2Ebpf or BackendV2Nftables
}

func NewV2Backend(kind BackendType) *V2Backend {
	return &V2Backend{basePath: filepath.Join(unifiedBase, appDir), kind: kind}
}

func (b *V2Backend) BackendType() BackendType { return b.kind }

func (b *V2Backend) IsAvailable() bool {
	_, err := os.Stat(filepath.Join(unifiedBase, "cgroup.controllers"))
	return err == nil
}

func (b *V2Backend) UnavailableReason() string {
	return fmt.Sprintf("unified hierarchy not mounted at %s", unifiedBase)
}

func (b *V2Backend) CreateCgroup(pid int, _ string) (Handle, error) {
	if err := os.MkdirAll(b.basePath, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create cgroup v2 base dir: %w", err)
	}
	path := filepath.Join(b.basePath, fmt.Sprintf("pid_%d", pid))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	procsFile := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procsFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return Handle{}, fmt.Errorf("add pid %d to cgroup: %w", pid, err)
	}
	return Handle{
		PID:    pid,
		Path:   path,
		Filter: path,
		Type:   b.kind,
	}, nil
}

func (b *V2Backend) RemoveCgroup(h Handle) error {
	if h.Path == "" {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		if !strings.Contains(err.Error(), "directory not empty") {
			return fmt.Errorf("remove cgroup %s: %w", h.Path, err)
		}
	}
	return nil
}

func (b *V2Backend) GetFilterExpression(h Handle) string {
	return fmt.Sprintf("socket cgroupv2 level 0 %q", h.Path)
}

func (b *V2Backend) ListActiveCgroups() ([]Handle, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", b.basePath, err)
	}
	var handles []Handle
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "pid_") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "pid_"))
		if err != nil {
			continue
		}
		path := filepath.Join(b.basePath, e.Name())
		handles = append(handles, Handle{PID: pid, Path: path, Filter: path, Type: b.kind})
	}
	return handles, nil
}
