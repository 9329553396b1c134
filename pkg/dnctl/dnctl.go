//go:build darwin

// Package dnctl implements upload throttling on macOS via dummynet pipes
// (dnctl) and PF dummynet rules (pfctl). Unlike the Linux cgroup-based
// backends, matching here happens per-connection rather than per-process:
// PF has no concept of "owning PID", so every active 4-tuple a process owns
// gets its own dummynet rule pointing at that process's pipe, and a
// background watcher picks up connections opened after the throttle began.
package dnctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

const (
	firstPipe     = 100
	watchInterval = 2 * time.Second
	cmdTimeout    = 5 * time.Second
)

type connInfo struct {
	proto       socketmap.Proto
	localIP     string
	localPort   uint16
	remoteIP    string
	remotePort  uint16
}

type throttleState struct {
	pipe        uint32
	processName string
	limitBps    uint64
	conns       map[connInfo]struct{}
}

// upload is the dummynet+PF upload backend.
type upload struct {
	iface string
	mu    sync.Mutex

	nextPipe  uint32
	throttles map[int]*throttleState

	watcherOnce   sync.Once
	watcherCancel context.CancelFunc
}

// NewUploadBackend returns the macOS dummynet upload throttle backend.
func NewUploadBackend() throttle.UploadBackend {
	return &upload{
		iface:     detectInterface(),
		nextPipe:  firstPipe,
		throttles: make(map[int]*throttleState),
	}
}

func (u *upload) Name() string { return "dnctl" }

func (u *upload) Priority() int { return 100 }

func (u *upload) IsAvailable() bool {
	return commandExists("dnctl") && commandExists("pfctl")
}

func (u *upload) UnavailableReason() string {
	if !commandExists("dnctl") {
		return "dnctl not found in PATH"
	}
	if !commandExists("pfctl") {
		return "pfctl not found in PATH"
	}
	return ""
}

func (u *upload) Capabilities() throttle.Capabilities {
	return throttle.Capabilities{SupportsTrafficFiltering: false, SupportsBurst: true}
}

// SupportsTrafficType is TrafficAll-only: PF dummynet rules here match by
// connection 4-tuple, not by a reusable Internet/Local address-class
// expression the way the Linux nftables backend builds one.
func (u *upload) SupportsTrafficType(tt throttle.TrafficType) bool {
	return tt == throttle.TrafficAll
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// detectInterface returns the conventional macOS primary Wi-Fi/Ethernet
// interface name. A route(8)-based lookup would be more precise but pulls
// in a parsing dependency for a single string; en0 is macOS's long-standing
// default primary interface and matches the original's own fallback.
func detectInterface() string { return "en0" }

func (u *upload) allocatePipe() uint32 {
	p := u.nextPipe
	u.nextPipe++
	return p
}

func createPipe(pipe uint32, limitBps uint64) error {
	kbps := limitBps * 8 / 1000
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "dnctl", "pipe", fmt.Sprintf("%d", pipe), "config", "bw", fmt.Sprintf("%dKbit/s", kbps))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dnctl pipe %d config: %w: %s", pipe, err, bytes.TrimSpace(out))
	}
	return nil
}

func deletePipe(pipe uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "dnctl", "pipe", fmt.Sprintf("%d", pipe), "delete")
	_, _ = cmd.CombinedOutput()
	return nil
}

// pfRule renders one dummynet-out rule in the syntax macOS's pfctl expects
// (the 'dummynet' keyword, not FreeBSD's 'dnpipe').
func pfRule(iface string, c connInfo, pipe uint32) string {
	proto := "tcp"
	if c.proto == socketmap.UDP {
		proto = "udp"
	}
	return fmt.Sprintf("dummynet out on %s proto %s from %s port %d to %s port %d pipe %d",
		iface, proto, c.localIP, c.localPort, c.remoteIP, c.remotePort, pipe)
}

// loadPFRules feeds the given rule lines to pfctl's main ruleset. Anchors
// don't carry dummynet rules reliably on macOS, so this replaces the whole
// ruleset the same way the original shells out to "pfctl -f -".
func loadPFRules(rules []string) error {
	if len(rules) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range rules {
		buf.WriteString(r)
		buf.WriteByte('\n')
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "pfctl", "-f", "-")
	cmd.Stdin = &buf
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Any failure, including a non-zero pfctl exit, is returned with
		// pfctl's combined output.
		return fmt.Errorf("pfctl -f -: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func connInfoFromTuple(t socketmap.FourTuple) connInfo {
	return connInfo{
		proto:      t.Proto,
		localIP:    t.Local.Addr().String(),
		localPort:  t.Local.Port(),
		remoteIP:   t.Remote.Addr().String(),
		remotePort: t.Remote.Port(),
	}
}

func (u *upload) ThrottleUpload(pid int, processName string, limitBps uint64, tt throttle.TrafficType) error {
	if tt != throttle.TrafficAll {
		return throttle.ErrUnsupportedTrafficType(u.Name(), pid, tt)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.IsAvailable() {
		return throttle.ErrBackendUnavailable(u.Name(), u.UnavailableReason())
	}
	if _, exists := u.throttles[pid]; exists {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, fmt.Errorf("pid %d already throttled", pid))
	}

	pipe := u.allocatePipe()
	if err := createPipe(pipe, limitBps); err != nil {
		return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
	}

	mapper := socketmap.NewGopsutilMapper()
	conns := map[connInfo]struct{}{}
	if connMap, err := mapper.Build(); err == nil {
		for _, t := range connMap.ConnectionsForPID(pid) {
			conns[connInfoFromTuple(t)] = struct{}{}
		}
	}

	if len(conns) > 0 {
		rules := make([]string, 0, len(conns))
		for c := range conns {
			rules = append(rules, pfRule(u.iface, c, pipe))
		}
		if err := loadPFRules(rules); err != nil {
			_ = deletePipe(pipe)
			return throttle.ErrRuleInsertionFailed(u.Name(), pid, err)
		}
	}

	u.throttles[pid] = &throttleState{pipe: pipe, processName: processName, limitBps: limitBps, conns: conns}
	u.startWatcher()
	return nil
}

// startWatcher lazily launches the connection-discovery goroutine, once per
// backend instance, mirroring the original's lazily-started monitoring
// thread rather than running it unconditionally before any throttle exists.
func (u *upload) startWatcher() {
	u.watcherOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		u.watcherCancel = cancel
		go u.watchLoop(ctx)
	})
}

func (u *upload) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.refreshConnections()
		}
	}
}

// refreshConnections finds connections opened since the last check for each
// throttled PID and installs PF rules for them, so a process that throttles
// before opening a socket still gets shaped once it connects.
func (u *upload) refreshConnections() {
	mapper := socketmap.NewGopsutilMapper()
	connMap, err := mapper.Build()
	if err != nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	var newRules []string
	for pid, state := range u.throttles {
		for _, t := range connMap.ConnectionsForPID(pid) {
			c := connInfoFromTuple(t)
			if _, seen := state.conns[c]; seen {
				continue
			}
			state.conns[c] = struct{}{}
			newRules = append(newRules, pfRule(u.iface, c, state.pipe))
		}
	}
	if len(newRules) > 0 {
		_ = loadPFRules(newRules)
	}
}

func (u *upload) RemoveUploadThrottle(pid int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	state, ok := u.throttles[pid]
	if !ok {
		return nil
	}
	delete(u.throttles, pid)
	return deletePipe(state.pipe)
}

func (u *upload) GetUploadThrottle(pid int) (uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	state, ok := u.throttles[pid]
	if !ok {
		return 0, false
	}
	return state.limitBps, true
}

func (u *upload) AllUploadThrottles() map[int]uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[int]uint64, len(u.throttles))
	for pid, state := range u.throttles {
		out[pid] = state.limitBps
	}
	return out
}

func (u *upload) Cleanup() error {
	u.mu.Lock()
	if u.watcherCancel != nil {
		u.watcherCancel()
	}
	pipes := make([]uint32, 0, len(u.throttles))
	for _, state := range u.throttles {
		pipes = append(pipes, state.pipe)
	}
	u.throttles = make(map[int]*throttleState)
	u.mu.Unlock()

	for _, pipe := range pipes {
		_ = deletePipe(pipe)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	_ = exec.CommandContext(ctx, "pfctl", "-f", "/etc/pf.conf").Run()
	return nil
}
