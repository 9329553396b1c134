//go:build linux

package nft

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// cgroupIDOf returns the cgroup2 identifier the kernel uses to match the
// "socket cgroupv2" expression: the inode number of the cgroup directory on
// the cgroupfs mount. nft(8) resolves a path argument to this same number
// internally via stat(2); doing it here lets the rule-building code compare
// against a raw id instead of shelling out to nft for path resolution.
func cgroupIDOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat cgroup path %s: %w", path, err)
	}
	return st.Ino, nil
}

func cgroupIDBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}
