package native

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MemoryStatus is a snapshot of the memory visible to the process.
type MemoryStatus struct {
	// Total is physical memory, or the cgroup limit when that is lower.
	Total uint64
	// Available is memory that can be handed out without swapping,
	// reclaimable page cache included.
	Available uint64
}

// Used returns the memory that is not available.
func (s MemoryStatus) Used() uint64 {
	return s.Total - min(s.Available, s.Total)
}

// ParseMeminfo reads MemTotal and MemAvailable from a /proc/meminfo listing.
// Kernels without MemAvailable get free plus buffers plus cached memory.
func ParseMeminfo(r io.Reader) (MemoryStatus, error) {
	fields := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		v, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if len(parts) > 1 && parts[1] == "kB" {
			v *= 1024
		}
		fields[key] = v
	}
	if err := sc.Err(); err != nil {
		return MemoryStatus{}, errors.Wrap(err, "read meminfo")
	}

	total, ok := fields["MemTotal"]
	if !ok || total == 0 {
		return MemoryStatus{}, errors.New("meminfo: MemTotal missing")
	}
	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	return MemoryStatus{Total: total, Available: min(avail, total)}, nil
}

// cgroupMemory is the memory accounting of a cgroup.
type cgroupMemory struct {
	limit        uint64
	usage        uint64
	inactiveFile uint64
}

// workingSet is the usage the kernel cannot reclaim without swapping.
func (c cgroupMemory) workingSet() uint64 {
	return c.usage - min(c.inactiveFile, c.usage)
}

// readCgroupMemory reads the memory controller mounted at root, trying the v2
// unified layout first and v1 second. It returns false when no limit is set.
func readCgroupMemory(root string) (cgroupMemory, bool) {
	if limitText, err := readCgroupValue(filepath.Join(root, "memory.max")); err == nil {
		if limitText == "max" {
			return cgroupMemory{}, false
		}
		return cgroupFiles(limitText,
			filepath.Join(root, "memory.current"),
			filepath.Join(root, "memory.stat"), "inactive_file")
	}
	v1 := filepath.Join(root, "memory")
	limitText, err := readCgroupValue(filepath.Join(v1, "memory.limit_in_bytes"))
	if err != nil {
		return cgroupMemory{}, false
	}
	return cgroupFiles(limitText,
		filepath.Join(v1, "memory.usage_in_bytes"),
		filepath.Join(v1, "memory.stat"), "total_inactive_file")
}

func cgroupFiles(limitText, usagePath, statPath, inactiveKey string) (cgroupMemory, bool) {
	limit, err := strconv.ParseUint(limitText, 10, 64)
	if err != nil || limit == 0 {
		return cgroupMemory{}, false
	}
	usageText, err := readCgroupValue(usagePath)
	if err != nil {
		return cgroupMemory{}, false
	}
	usage, err := strconv.ParseUint(usageText, 10, 64)
	if err != nil {
		return cgroupMemory{}, false
	}
	c := cgroupMemory{limit: limit, usage: usage}
	if f, err := os.Open(statPath); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			key, value, ok := strings.Cut(sc.Text(), " ")
			if ok && key == inactiveKey {
				c.inactiveFile, _ = strconv.ParseUint(value, 10, 64)
				break
			}
		}
	}
	return c, true
}

func readCgroupValue(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// MemoryStatusFrom builds the memory status from a meminfo file and the
// cgroup memory controller mounted at cgroupRoot. A cgroup limit below
// physical memory replaces the host figures.
func MemoryStatusFrom(meminfoPath, cgroupRoot string) (MemoryStatus, error) {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return MemoryStatus{}, errors.Wrap(err, "open meminfo")
	}
	defer f.Close()
	host, err := ParseMeminfo(f)
	if err != nil {
		return MemoryStatus{}, err
	}

	cg, ok := readCgroupMemory(cgroupRoot)
	if !ok || cg.limit >= host.Total {
		return host, nil
	}
	avail := cg.limit - min(cg.workingSet(), cg.limit)
	return MemoryStatus{Total: cg.limit, Available: min(avail, host.Available)}, nil
}
