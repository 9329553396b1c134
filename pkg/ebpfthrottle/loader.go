//go:build linux

package ebpfthrottle

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// objectDir is where the bpf2go build output (netlimiter_bpfel.o /
// netlimiter_bpfeb.o) is installed. Overridable for development builds that
// keep the artifact outside the package's install location.
var objectDir = defaultObjectDir()

func defaultObjectDir() string {
	if d := os.Getenv("NETLIMITER_BPF_DIR"); d != "" {
		return d
	}
	return "/usr/lib/netlimiter/bpf"
}

func objectFileName() string {
	if nativeEndian() == binary.BigEndian {
		return "netlimiter_bpfeb.o"
	}
	return "netlimiter_bpfel.o"
}

func nativeEndian() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// netlimiterObjects wraps one freshly-loaded Collection instance: egress and
// ingress programs plus their three single-entry maps. Every throttled
// cgroup gets its own Collection (loadObjects is called once per newly
// attached cgroup) so each program instance's maps only ever contain the
// one sentinel-keyed entry for that cgroup.
type netlimiterObjects struct {
	coll *ebpf.Collection
}

func loadObjects() (*netlimiterObjects, error) {
	path := filepath.Join(objectDir, objectFileName())
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec from %s: %w", path, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate collection: %w", err)
	}
	return &netlimiterObjects{coll: coll}, nil
}

func (o *netlimiterObjects) configMap() *ebpf.Map          { return o.coll.Maps["cgroup_config"] }
func (o *netlimiterObjects) bucketMap() *ebpf.Map          { return o.coll.Maps["cgroup_bucket"] }
func (o *netlimiterObjects) statsMap() *ebpf.Map           { return o.coll.Maps["cgroup_stats"] }
func (o *netlimiterObjects) egressProgram() *ebpf.Program  { return o.coll.Programs["netlimiter_egress"] }
func (o *netlimiterObjects) ingressProgram() *ebpf.Program { return o.coll.Programs["netlimiter_ingress"] }
func (o *netlimiterObjects) Close()                        { o.coll.Close() }

func openCgroupDir(path string) (*os.File, error) {
	return os.Open(path)
}

// legacyAttach is used when link.AttachCgroup fails because the running
// kernel predates bpf_link support for cgroup attachments (pre-5.7).
// Programs attached this way must be explicitly detached; they do not
// auto-detach when the process exits.
func legacyAttach(cgroupFD *os.File, prog *ebpf.Program, attachType ebpf.AttachType) error {
	return link.RawAttachProgram(link.RawAttachProgramOptions{
		Target:  int(cgroupFD.Fd()),
		Program: prog,
		Attach:  attachType,
	})
}

func legacyDetach(path string, dir direction) error {
	f, err := openCgroupDir(path)
	if err != nil {
		return fmt.Errorf("open cgroup dir for detach: %w", err)
	}
	defer func() { _ = f.Close() }()

	attachType := ebpf.AttachCGroupInetEgress
	if dir == directionIngress {
		attachType = ebpf.AttachCGroupInetIngress
	}
	return link.RawDetachProgram(link.RawDetachProgramOptions{
		Target: int(f.Fd()),
		Attach: attachType,
	})
}
