//go:build linux

package ebpfthrottle

// The kernel side of this package is two cgroup_skb programs compiled from
// bpf/egress.c and bpf/ingress.c and embedded as Go source by bpf2go. That
// step requires clang and a kernel header set and is run once, ahead of
// `go build`, via:
//
//	go generate ./pkg/ebpfthrottle/...
//
// It produces netlimiter_bpfel.go/netlimiter_bpfeb.go plus the matching
// .o blobs. This package uses only the .o blobs: loader.go loads them at
// run time from objectDir, and netlimiterObjects is defined there by hand.
// Regenerate after editing anything under bpf/.
//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall" -target bpfel,bpfeb netlimiter bpf/egress.c -- -I bpf
