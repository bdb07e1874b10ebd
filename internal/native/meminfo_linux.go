//go:build linux

package native

import "golang.org/x/sys/unix"

const (
	procMeminfo = "/proc/meminfo"
	cgroupRoot  = "/sys/fs/cgroup"
)

// SystemMemoryStatus reports the memory of the machine or of the enclosing
// cgroup. Without /proc it falls back to sysinfo(2), which cannot see the
// page cache and so overstates used memory.
func SystemMemoryStatus() (MemoryStatus, bool) {
	if st, err := MemoryStatusFrom(procMeminfo, cgroupRoot); err == nil {
		return st, true
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemoryStatus{}, false
	}
	unit := uint64(info.Unit)
	return MemoryStatus{
		Total:     uint64(info.Totalram) * unit,
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, true
}

// TotalMemory returns the memory available to the process in bytes: physical
// memory or the cgroup limit, whichever is lower.
func TotalMemory() uint64 {
	st, _ := SystemMemoryStatus()
	return st.Total
}
