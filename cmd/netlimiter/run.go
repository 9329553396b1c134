package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/ja7ad/netlimiter/pkg/config"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/throttle"
	"github.com/ja7ad/netlimiter/pkg/types"
)

func run(ctx context.Context, f cliFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := throttle.NewManager()
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Warn("backend cleanup", "err", err)
		}
	}()

	if err := registerThrottleBackends(mgr, f.bpfAttachMethod); err != nil {
		return fmt.Errorf("register backends: %w", err)
	}

	if f.listBackends {
		printBackendTable(mgr)
		return nil
	}

	uploadName, err := resolveDefaultUpload(mgr, f.uploadBackend, cfg)
	if err != nil {
		return err
	}
	if uploadName != "" {
		if err := mgr.SetDefaultUploadBackend(uploadName); err != nil {
			return fmt.Errorf("select upload backend: %w", err)
		}
	}

	downloadName, err := resolveDefaultDownload(mgr, f.downloadBackend, cfg)
	if err != nil {
		return err
	}
	if downloadName != "" {
		if err := mgr.SetDefaultDownloadBackend(downloadName); err != nil {
			return fmt.Errorf("select download backend: %w", err)
		}
	}

	mapperName, ok := socketmap.SelectBest(availableSocketMappers(), pickSocketMapper(f.socketMapper, cfg))
	if ok {
		cfg.PreferredSocketMapper = mapperName
	}

	if cfg.AutoRestore && !f.noRestore {
		restorePersistedThrottles(ctx, mgr, cfg)
	}

	if f.pid == 0 {
		fmt.Printf("upload backend: %s\ndownload backend: %s\nsocket mapper: %s\n",
			orNone(uploadName), orNone(downloadName), orNone(mapperName))
		return nil
	}

	return runThrottleMode(ctx, mgr, cfg, f)
}

func orNone(s string) string {
	if s == "" {
		return "(none available)"
	}
	return s
}

func pickSocketMapper(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	return cfg.PreferredSocketMapper
}

func resolveDefaultUpload(mgr *throttle.Manager, flagValue string, cfg *config.Config) (string, error) {
	preferred := flagValue
	if preferred == "" {
		preferred = cfg.PreferredUploadBackend
	}
	infos := mgr.ListUploadBackends()
	if flagValue != "" && !backendAvailable(infos, flagValue) {
		return "", fmt.Errorf("upload backend %q is not available on this host", flagValue)
	}
	name, _ := throttle.SelectBest(infos, preferred)
	return name, nil
}

func resolveDefaultDownload(mgr *throttle.Manager, flagValue string, cfg *config.Config) (string, error) {
	preferred := flagValue
	if preferred == "" {
		preferred = cfg.PreferredDownloadBackend
	}
	infos := mgr.ListDownloadBackends()
	if flagValue != "" && !backendAvailable(infos, flagValue) {
		return "", fmt.Errorf("download backend %q is not available on this host", flagValue)
	}
	name, _ := throttle.SelectBest(infos, preferred)
	return name, nil
}

func backendAvailable(infos []throttle.BackendInfo, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return info.Available
		}
	}
	return false
}

// restorePersistedThrottles best-effort reapplies every throttle saved from
// a previous run. A PID that no longer exists is dropped from the
// in-memory config (not re-saved) rather than retried every startup.
func restorePersistedThrottles(ctx context.Context, mgr *throttle.Manager, cfg *config.Config) {
	for pid, entry := range cfg.Throttles {
		if !processExists(ctx, pid) {
			slog.Info("skipping restore for vanished process", "pid", pid, "name", entry.ProcessName)
			cfg.RemoveThrottle(pid)
			continue
		}
		limit := throttle.ThrottleLimit{
			UploadBps:   entry.UploadLimit,
			DownloadBps: entry.DownloadLimit,
			TrafficType: cfg.TrafficViewMode,
		}
		if err := mgr.ThrottleProcess(pid, entry.ProcessName, limit); err != nil {
			slog.Warn("restore throttle failed", "pid", pid, "err", err)
		}
	}
}

func runThrottleMode(ctx context.Context, mgr *throttle.Manager, cfg *config.Config, f cliFlags) error {
	if f.uploadLimit == "" && f.downloadLimit == "" {
		return fmt.Errorf("--pid requires at least one of --upload-limit or --download-limit")
	}
	if !processExists(ctx, f.pid) {
		return fmt.Errorf("no such process: pid %d", f.pid)
	}

	limit := throttle.ThrottleLimit{TrafficType: cfg.TrafficViewMode}
	if f.uploadLimit != "" {
		v, err := parseLimit(f.uploadLimit)
		if err != nil {
			return fmt.Errorf("--upload-limit: %w", err)
		}
		limit.UploadBps = &v
	}
	if f.downloadLimit != "" {
		v, err := parseLimit(f.downloadLimit)
		if err != nil {
			return fmt.Errorf("--download-limit: %w", err)
		}
		limit.DownloadBps = &v
	}

	name := processName(ctx, f.pid)
	if err := mgr.ThrottleProcess(f.pid, name, limit); err != nil {
		return fmt.Errorf("apply throttle: %w", err)
	}

	if !f.noSave {
		cfg.SetThrottle(f.pid, config.ThrottleEntry{
			ProcessName:   name,
			UploadLimit:   limit.UploadBps,
			DownloadLimit: limit.DownloadBps,
		})
		if err := cfg.Save(); err != nil {
			slog.Warn("save config", "err", err)
		}
	}

	fmt.Printf("throttling pid %d (%s): upload=%s download=%s\n",
		f.pid, orNone(name), limitString(limit.UploadBps), limitString(limit.DownloadBps))

	waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, f.duration)
		defer cancel()
	}
	<-waitCtx.Done()

	if err := mgr.RemoveThrottle(f.pid); err != nil {
		slog.Warn("remove throttle", "pid", f.pid, "err", err)
	}
	if !f.noSave {
		cfg.RemoveThrottle(f.pid)
		if err := cfg.Save(); err != nil {
			slog.Warn("save config", "err", err)
		}
	}

	return nil
}

func limitString(bps *uint64) string {
	if bps == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%s/s", types.Bytes(*bps).Humanized())
}

func printBackendTable(mgr *throttle.Manager) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tBACKEND\tPRIORITY\tAVAILABLE\tREASON")

	upload := mgr.ListUploadBackends()
	sort.Slice(upload, func(i, j int) bool { return upload[i].Priority > upload[j].Priority })
	for _, info := range upload {
		fmt.Fprintf(tw, "upload\t%s\t%d\t%t\t%s\n", info.Name, info.Priority, info.Available, info.Reason)
	}

	download := mgr.ListDownloadBackends()
	sort.Slice(download, func(i, j int) bool { return download[i].Priority > download[j].Priority })
	for _, info := range download {
		fmt.Fprintf(tw, "download\t%s\t%d\t%t\t%s\n", info.Name, info.Priority, info.Available, info.Reason)
	}

	tw.Flush()
}
