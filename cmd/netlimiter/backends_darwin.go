//go:build darwin

package main

import (
	"github.com/ja7ad/netlimiter/pkg/dnctl"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// registerThrottleBackends wires the macOS dummynet upload backend into
// mgr. There is no macOS download backend: the original source tree this
// was ported from only implements dummynet pipes for egress, so
// --download-limit has nowhere to route on this platform and ThrottleProcess
// reports it as an unavailable default backend rather than silently
// dropping the request.
func registerThrottleBackends(mgr *throttle.Manager, _ string) error {
	mgr.RegisterUploadBackend("dnctl", func() (throttle.UploadBackend, error) {
		return dnctl.NewUploadBackend(), nil
	})
	return nil
}

func availableSocketMappers() []socketmap.Mapper {
	return []socketmap.Mapper{socketmap.NewGopsutilMapper(), socketmap.NewLsofMapper()}
}
