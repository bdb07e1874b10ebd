//go:build windows

package native

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmap(length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	addr, err := windows.VirtualAlloc(0, uintptr(length),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(unsafe.SliceData(b))), 0, windows.MEM_RELEASE)
}
