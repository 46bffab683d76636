package cgroupresolve

import (
	"os"
	"syscall"
)

// inodeOf extracts the cgroup directory's inode number, which is the
// value bpf_get_current_cgroup_id() returns for processes in that cgroup.
func inodeOf(info os.FileInfo) (uint64, bool) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return sys.Ino, true
}
