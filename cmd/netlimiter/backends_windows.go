//go:build windows

package main

import (
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// registerThrottleBackends is a deliberate no-op on Windows: the original
// source tree's only Windows-specific backend code (windows_poll.rs) is a
// monitoring path, never a throttling one, and detect_available_backends
// never registers it even there. --list-backends on Windows therefore shows
// an empty table rather than one entry nothing can ever apply.
func registerThrottleBackends(mgr *throttle.Manager, _ string) error {
	return nil
}

func availableSocketMappers() []socketmap.Mapper {
	return []socketmap.Mapper{socketmap.NewGopsutilMapper()}
}
