//go:build linux

package cgroup

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DetectV2 checks that the unified cgroup v2 hierarchy is mounted.
func DetectV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}
