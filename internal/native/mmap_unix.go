//go:build unix

package native

import "golang.org/x/sys/unix"

// mmap maps anonymous memory that is not part of the Go heap.
// This keeps large blocks out of the GOGC scan set.
func mmap(length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
