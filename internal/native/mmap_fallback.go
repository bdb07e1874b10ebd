//go:build !unix && !windows

package native

// mmap falls back to heap memory when the platform has no anonymous mappings.
// The Go collector does not move heap objects, so addresses stay stable.
func mmap(length int) ([]byte, error) {
	return make([]byte, length), nil
}

func munmap([]byte) error {
	return nil
}
