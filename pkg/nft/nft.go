//go:build linux

// Package nft implements the upload (egress) throttling backend built on
// the native nftables netlink protocol: one inet table with two filter
// chains, one rule per throttled cgroup matching on the cgroup's inode via
// the kernel's "socket cgroupv2" expression, rate-limited with "limit rate
// over ... drop".
package nft

import (
	"fmt"
	"sync"

	"github.com/google/nftables"

	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

const (
	tableName       = "netlimiter"
	chainOutputName = "output_limit"
	chainInputName  = "input_limit"
)

// upload is the nftables egress throttling backend. It keeps its own
// netlink connection (each *nftables.Conn serializes a netlink socket, so
// sharing one across goroutines under a mutex is cheaper than reopening a
// socket per call).
type upload struct {
	cg cgroup.Backend

	mu          sync.Mutex
	conn        *nftables.Conn
	table       *nftables.Table
	chainOutput *nftables.Chain
	initialized bool

	throttles map[int]*ruleInfo // pid -> rule bookkeeping
}

type ruleInfo struct {
	handle     cgroup.Handle
	rule       *nftables.Rule
	limitBps   uint64
}

// NewUploadBackend returns the nftables-backed upload throttle backend.
func NewUploadBackend(cg cgroup.Backend) throttle.UploadBackend {
	return &upload{
		cg:        cg,
		conn:      &nftables.Conn{},
		throttles: make(map[int]*ruleInfo),
	}
}

func (u *upload) Name() string { return "nftables-upload" }

// Priority sits between eBPF (highest) and TC (lowest): nftables needs no
// IFB/qdisc plumbing but can't match as cheaply as a cgroup-skb hook.
func (u *upload) Priority() int { return 80 }

func (u *upload) IsAvailable() bool {
	return u.cg.IsAvailable() && nftAvailable()
}

func (u *upload) UnavailableReason() string {
	if !u.cg.IsAvailable() {
		return u.cg.UnavailableReason()
	}
	if !nftAvailable() {
		return "nftables netlink family not available on this kernel"
	}
	return ""
}

func (u *upload) Capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: true, SupportsBurst: false}
}

func (u *upload) SupportsTrafficType(throttle.TrafficType) bool { return true }

func (u *upload) ensureInitialized() error {
	if u.initialized {
		return nil
	}

	u.table = u.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	})
	u.chainOutput = u.conn.AddChain(&nftables.Chain{
		Name:     chainOutputName,
		Table:    u.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})
	// The input chain exists so a future download backend (or an operator
	// inspecting the table by hand) finds the symmetric chain already
	// present; this upload backend never inserts rules into it.
	u.conn.AddChain(&nftables.Chain{
		Name:     chainInputName,
		Table:    u.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	if err := u.conn.Flush(); err != nil {
		return fmt.Errorf("create nftables table/chains: %w", err)
	}
	u.initialized = true
	return nil
}

func (u *upload) ThrottleUpload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.ensureInitialized(); err != nil {
		return throttle.ErrBackendUnavailable(u.Name(), err.Error())
	}

	if existing, ok := u.throttles[pid]; ok {
		if err := u.deleteRuleLocked(existing); err != nil {
			return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
		}
	}

	handle, err := u.cg.CreateCgroup(pid, "throttle")
	if err != nil {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
	}

	rule, err := buildRule(u.conn, u.table, u.chainOutput, handle, limitBps, tt)
	if err != nil {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
	}

	added := u.conn.AddRule(rule)
	if err := u.conn.Flush(); err != nil {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, fmt.Errorf("insert rate-limit rule: %w", err))
	}

	u.throttles[pid] = &ruleInfo{handle: handle, rule: added, limitBps: limitBps}
	return nil
}

func (u *upload) RemoveUploadThrottle(pid int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	info, ok := u.throttles[pid]
	if !ok {
		return nil
	}
	delete(u.throttles, pid)

	if err := u.deleteRuleLocked(info); err != nil {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
	}
	_ = u.cg.RemoveCgroup(info.handle)
	return nil
}

func (u *upload) deleteRuleLocked(info *ruleInfo) error {
	if info.rule == nil {
		return nil
	}
	if err := u.conn.DelRule(info.rule); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return u.conn.Flush()
}

func (u *upload) GetUploadThrottle(pid int) (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	info, ok := u.throttles[pid]
	if !ok {
		return 0, false
	}
	return info.limitBps, true
}

func (u *upload) AllUploadThrottles() map[int]uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[int]uint64, len(u.throttles))
	for pid, info := range u.throttles {
		out[pid] = info.limitBps
	}
	return out
}

// Cleanup removes every rule this backend ever inserted and deletes the
// table, leaving no trace on the host once the manager that owns this
// backend is closed.
func (u *upload) Cleanup() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for pid, info := range u.throttles {
		_ = u.deleteRuleLocked(info)
		_ = u.cg.RemoveCgroup(info.handle)
		delete(u.throttles, pid)
	}

	if u.initialized && u.table != nil {
		u.conn.DelTable(u.table)
		if err := u.conn.Flush(); err != nil {
			return fmt.Errorf("delete nftables table: %w", err)
		}
		u.initialized = false
	}
	return nil
}
