//go:build linux

package main

import (
	"github.com/ja7ad/netlimiter/pkg/cgroup"
	"github.com/ja7ad/netlimiter/pkg/ebpfthrottle"
	"github.com/ja7ad/netlimiter/pkg/nft"
	"github.com/ja7ad/netlimiter/pkg/socketmap"
	"github.com/ja7ad/netlimiter/pkg/tc"
	"github.com/ja7ad/netlimiter/pkg/throttle"
)

// registerThrottleBackends wires every Linux throttle backend into mgr.
// Each cgroup.Backend is constructed unconditionally — IsAvailable() probes
// the live mount on every call, so handing a V1Backend to a host with no
// net_cls hierarchy is safe, it just reports itself unavailable rather than
// panicking.
func registerThrottleBackends(mgr *throttle.Manager, attachMethod string) error {
	pref, err := ebpfthrottle.ParseAttachPreference(attachMethod)
	if err != nil {
		return err
	}
	ebpfthrottle.SetAttachPreference(pref)

	cgV1 := cgroup.NewV1Backend()
	cgV2Ebpf := cgroup.NewV2Backend(cgroup.BackendV2Ebpf)
	cgV2Nft := cgroup.NewV2Backend(cgroup.BackendV2Nftables)

	mgr.RegisterUploadBackend("ebpf-egress", func() (throttle.UploadBackend, error) {
		return ebpfthrottle.NewUploadBackend(cgV2Ebpf), nil
	})
	mgr.RegisterDownloadBackend("ebpf-ingress", func() (throttle.DownloadBackend, error) {
		return ebpfthrottle.NewDownloadBackend(cgV2Ebpf), nil
	})
	mgr.RegisterUploadBackend("nftables-upload", func() (throttle.UploadBackend, error) {
		return nft.NewUploadBackend(cgV2Nft), nil
	})
	mgr.RegisterDownloadBackend("nftables-download", func() (throttle.DownloadBackend, error) {
		return nft.NewDownloadBackend(), nil
	})
	mgr.RegisterUploadBackend("tc-htb", func() (throttle.UploadBackend, error) {
		return tc.NewUploadBackend(cgV1), nil
	})
	mgr.RegisterDownloadBackend("ifb-tc-htb", func() (throttle.DownloadBackend, error) {
		return tc.NewDownloadBackend(cgV1), nil
	})
	mgr.RegisterDownloadBackend("tc-police", func() (throttle.DownloadBackend, error) {
		return tc.NewPolicerDownloadBackend(), nil
	})
	return nil
}

// availableSocketMappers returns every socket-to-PID mapper this platform
// can construct, in the order socketmap.SelectBest should consider them.
func availableSocketMappers() []socketmap.Mapper {
	return []socketmap.Mapper{socketmap.NewLinuxProcfsMapper()}
}
