// Package native manages memory blocks that live outside the Go heap.
//
// Blocks are mapped directly from the operating system so the garbage collector
// never scans or moves them, which keeps GC cost flat no matter how many large
// pixel buffers are alive.
package native

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// ErrOutOfMemory is returned when the platform refuses to map a block.
var ErrOutOfMemory = errors.New("native: out of memory")

var (
	outstanding      atomic.Int64
	outstandingBytes atomic.Int64
)

// Outstanding returns the number of handles allocated and not yet freed.
// It is intended for tests and diagnostics only.
func Outstanding() int64 {
	return outstanding.Load()
}

// OutstandingBytes returns the number of bytes held by live handles.
func OutstandingBytes() int64 {
	return outstandingBytes.Load()
}

// Handle is a single block of native memory.
//
// A freed handle is never reused: once Free has run, Valid reports false and
// Bytes returns nil.
type Handle struct {
	data  []byte
	valid atomic.Bool
}

var invalid = &Handle{}

// Invalid returns the handle used to signal that no memory is available.
func Invalid() *Handle {
	return invalid
}

// Allocate maps a new block of length bytes.
func Allocate(length int) (*Handle, error) {
	if length < 0 {
		return nil, errors.Errorf("native: negative length %d", length)
	}
	data, err := mmap(length)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "cannot allocate %d bytes: %v", length, err)
	}
	h := &Handle{data: data}
	h.valid.Store(true)
	outstanding.Add(1)
	outstandingBytes.Add(int64(length))
	return h, nil
}

// Valid reports whether the handle refers to live memory.
func (h *Handle) Valid() bool {
	return h != nil && h.valid.Load()
}

// Len returns the block length in bytes, or 0 for an invalid handle.
func (h *Handle) Len() int {
	if !h.Valid() {
		return 0
	}
	return len(h.data)
}

// Bytes returns the block contents.
func (h *Handle) Bytes() []byte {
	if !h.Valid() {
		return nil
	}
	return h.data
}

// Pointer returns the address of the first byte of the block.
// The address never changes for the lifetime of the handle.
func (h *Handle) Pointer() unsafe.Pointer {
	if !h.Valid() {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(h.data))
}

// Free releases the block back to the operating system.
// Calling Free on an already freed or invalid handle is a no-op.
func (h *Handle) Free() error {
	if h == nil || !h.valid.CompareAndSwap(true, false) {
		return nil
	}
	data := h.data
	h.data = nil
	outstanding.Add(-1)
	outstandingBytes.Add(-int64(len(data)))
	if err := munmap(data); err != nil {
		return errors.Wrapf(err, "native: cannot free %d bytes", len(data))
	}
	return nil
}
