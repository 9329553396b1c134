// Package config persists the set of active throttles and backend
// preferences across restarts, so a process throttled in one run is
// re-throttled automatically (when auto_restore is set) the next time the
// CLI starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ja7ad/netlimiter/pkg/throttle"
)

const (
	configDirName  = "netlimiter"
	configFileName = "throttles.json"
)

// ThrottleEntry is one persisted throttle: the process name (for display
// after the PID has been reused or the process has exited) and whichever
// direction limits were set.
type ThrottleEntry struct {
	ProcessName   string  `json:"process_name"`
	UploadLimit   *uint64 `json:"upload_limit,omitempty"`
	DownloadLimit *uint64 `json:"download_limit,omitempty"`
}

// Config is the exact recognized field set. Unknown fields in an existing
// file are ignored on Load and dropped on the next Save.
type Config struct {
	Throttles   map[int]ThrottleEntry `json:"throttles"`
	AutoRestore bool                  `json:"auto_restore"`

	PreferredUploadBackend   string `json:"preferred_upload_backend,omitempty"`
	PreferredDownloadBackend string `json:"preferred_download_backend,omitempty"`
	PreferredSocketMapper    string `json:"preferred_socket_mapper,omitempty"`

	// FilteredInterfaces follows the tri-state documented on
	// monitor.Monitor: nil shows every interface, a non-nil empty slice
	// shows none, otherwise only the named interfaces.
	FilteredInterfaces []string `json:"filtered_interfaces"`

	TrafficViewMode throttle.TrafficType `json:"traffic_view_mode"`
}

// Default returns the configuration a fresh install starts with.
func Default() *Config {
	return &Config{
		Throttles:       make(map[int]ThrottleEntry),
		AutoRestore:     true,
		TrafficViewMode: throttle.TrafficAll,
	}
}

// Path returns the on-disk location Load/Save use, honoring
// os.UserConfigDir so it follows each platform's own convention
// ($XDG_CONFIG_HOME, ~/Library/Application Support, %AppData%).
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// Load reads the persisted config, or returns Default() if no file exists
// yet — a missing config is a fresh install, not an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Throttles == nil {
		cfg.Throttles = make(map[int]ThrottleEntry)
	}
	return cfg, nil
}

// Save writes cfg atomically: marshal to a temp file in the same
// directory, fsync it, then rename over the real path so a crash or power
// loss mid-write never leaves a truncated config behind.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, configFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// SetThrottle records or updates one PID's persisted throttle.
func (c *Config) SetThrottle(pid int, entry ThrottleEntry) {
	if c.Throttles == nil {
		c.Throttles = make(map[int]ThrottleEntry)
	}
	c.Throttles[pid] = entry
}

// RemoveThrottle deletes a PID's persisted throttle, if present.
func (c *Config) RemoveThrottle(pid int) {
	delete(c.Throttles, pid)
}
