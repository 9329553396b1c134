// Command netlimiter applies per-process upload/download bandwidth limits
// using whatever throttling backend the running kernel and installed
// tooling support, persisting active throttles so they can be restored on
// the next run.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type cliFlags struct {
	uploadBackend   string
	downloadBackend string
	socketMapper    string
	listBackends    bool
	noRestore       bool
	noSave          bool

	pid             int
	uploadLimit     string
	downloadLimit   string
	duration        time.Duration
	bpfAttachMethod string
}

func main() {
	var f cliFlags

	root := &cobra.Command{
		Use:   "netlimiter",
		Short: "Per-process network bandwidth monitor and rate limiter",
		Long: `netlimiter applies upload/download rate limits to a single process,
choosing among eBPF, nftables, and TC backends on Linux or dummynet pipes on
macOS, whichever the host actually supports.

Examples:
  netlimiter --pid 1234 --download-limit 1.5M
  netlimiter --pid 1234 --upload-limit 512K --duration 30s
  netlimiter --list-backends`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&f.uploadBackend, "upload-backend", "", "force a specific upload backend by name")
	root.Flags().StringVar(&f.downloadBackend, "download-backend", "", "force a specific download backend by name")
	root.Flags().StringVar(&f.socketMapper, "socket-mapper", "", "force a specific socket-to-PID mapper by name")
	root.Flags().BoolVar(&f.listBackends, "list-backends", false, "print backend availability and exit")
	root.Flags().BoolVar(&f.noRestore, "no-restore", false, "skip reapplying throttles persisted from a previous run")
	root.Flags().BoolVar(&f.noSave, "no-save", false, "don't persist this run's throttle to the config file")

	root.Flags().IntVar(&f.pid, "pid", 0, "PID to throttle; triggers CLI throttle mode")
	root.Flags().StringVar(&f.uploadLimit, "upload-limit", "", "upload limit (e.g. 512K, 1.5M, 2G)")
	root.Flags().StringVar(&f.downloadLimit, "download-limit", "", "download limit (e.g. 512K, 1.5M, 2G)")
	root.Flags().DurationVar(&f.duration, "duration", 0, "throttle duration; 0 waits for Ctrl-C instead")
	root.Flags().StringVar(&f.bpfAttachMethod, "bpf-attach-method", "auto", "eBPF cgroup attach method: auto, link, or legacy")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
