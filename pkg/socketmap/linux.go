//go:build linux

package socketmap

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LinuxProcfsMapper builds a ConnectionMap by scanning /proc/*/fd for socket
// descriptors, indexing them by inode, then joining against
// /proc/net/{tcp,tcp6,udp,udp6}. This is the highest-fidelity mapper: it
// reads the real kernel inode, so entries are exact rather than hashed.
type LinuxProcfsMapper struct {
	procRoot string
}

func NewLinuxProcfsMapper() *LinuxProcfsMapper {
	return &LinuxProcfsMapper{procRoot: "/proc"}
}

func (m *LinuxProcfsMapper) Name() string   { return "linux-procfs" }
func (m *LinuxProcfsMapper) Priority() int  { return 100 }
func (m *LinuxProcfsMapper) Available() bool {
	_, err := os.Stat(filepath.Join(m.procRoot, "net", "tcp"))
	return err == nil
}

func (m *LinuxProcfsMapper) Build() (*ConnectionMap, error) {
	inodeToPID, err := m.socketInodesByPID()
	if err != nil {
		return nil, fmt.Errorf("scan socket inodes: %w", err)
	}

	out := NewConnectionMap()
	sources := []struct {
		file  string
		proto Proto
	}{
		{"tcp", TCP}, {"tcp6", TCP},
		{"udp", UDP}, {"udp6", UDP},
	}
	for _, src := range sources {
		if err := m.readNetFile(src.file, src.proto, inodeToPID, out); err != nil {
			if os.IsNotExist(err) {
				continue // tcp6/udp6 absent on IPv4-only hosts
			}
			return nil, fmt.Errorf("read %s: %w", src.file, err)
		}
	}
	return out, nil
}

// socketInodesByPID walks /proc/<pid>/fd, resolving symlinks of the form
// "socket:[NNNN]" into inode -> pid.
func (m *LinuxProcfsMapper) socketInodesByPID() (map[uint64]int, error) {
	entries, err := os.ReadDir(m.procRoot)
	if err != nil {
		return nil, err
	}
	result := make(map[uint64]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(m.procRoot, e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or fd dir unreadable; skip
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if !strings.HasPrefix(target, "socket:[") {
				continue
			}
			inodeStr := strings.TrimSuffix(strings.TrimPrefix(target, "socket:["), "]")
			inode, err := strconv.ParseUint(inodeStr, 10, 64)
			if err != nil {
				continue
			}
			result[inode] = pid
		}
	}
	return result, nil
}

// readNetFile parses one /proc/net/{tcp,tcp6,udp,udp6} file. Each data line
// has the form:
//
//	sl local_address rem_address st ... inode ...
//
// local_address/rem_address are "HEXIP:HEXPORT" with IP in native byte
// order per 32-bit word (reversed for tcp6's 128-bit form handled by
// parseHexAddrPort).
func (m *LinuxProcfsMapper) readNetFile(name string, proto Proto, inodeToPID map[uint64]int, out *ConnectionMap) error {
	f, err := os.Open(filepath.Join(m.procRoot, "net", name))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false // header line
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		local, ok1 := parseHexAddrPort(fields[1])
		remote, ok2 := parseHexAddrPort(fields[2])
		if !ok1 || !ok2 {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		pid, ok := inodeToPID[inode]
		if !ok {
			continue
		}
		out.Put(FourTuple{Proto: proto, Local: local, Remote: remote}, ConnectionEntry{PID: pid, Inode: inode})
	}
	return sc.Err()
}

func parseHexAddrPort(field string) (netip.AddrPort, bool) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return netip.AddrPort{}, false
	}
	addrBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return netip.AddrPort{}, false
	}
	port64, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}

	// procfs stores each 32-bit word in host byte order; reverse the bytes
	// of every 4-byte word to get network order.
	reversed := make([]byte, len(addrBytes))
	for i := 0; i < len(addrBytes); i += 4 {
		word := addrBytes[i : i+4]
		reversed[i], reversed[i+1], reversed[i+2], reversed[i+3] = word[3], word[2], word[1], word[0]
	}

	addr, ok := netip.AddrFromSlice(reversed)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port64)), true
}
