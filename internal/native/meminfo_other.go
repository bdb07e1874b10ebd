//go:build !linux

package native

// SystemMemoryStatus returns false when the platform does not report memory.
func SystemMemoryStatus() (MemoryStatus, bool) { return MemoryStatus{}, false }

// TotalMemory returns 0 when the platform does not report physical memory.
func TotalMemory() uint64 { return 0 }
