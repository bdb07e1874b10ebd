package memory

import "github.com/pkg/errors"

var (
	ErrArgumentOutOfRange     = errors.New("memory: argument out of range")
	ErrInvalidMemoryOperation = errors.New("memory: invalid memory operation")
	ErrUnsupportedElement     = errors.New("memory: element type must be non-empty and free of pointers")
	ErrBufferClosed           = errors.New("memory: buffer is closed")
	ErrAllocatorClosed        = errors.New("memory: allocator is closed")
)
