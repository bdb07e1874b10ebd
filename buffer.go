package memory

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/SixLabors/ImageSharp-sub032/internal/lifetime"
)

// OwnedBuffer is a contiguous buffer of T with a single owner.
//
// The owner must call Close. Borrowers that outlive the owner's use take a
// reference with AddRef or Pin; the memory goes back to its source when the
// owner has closed the buffer and the last reference is released. A buffer
// dropped without Close is released by the garbage collector and reported as
// a leak.
type OwnedBuffer[T any] struct {
	span  []T
	mem   []byte
	guard *lifetime.Guard
}

func newOwnedBuffer[T any](span []T, mem []byte, release func()) *OwnedBuffer[T] {
	b := &OwnedBuffer[T]{
		span:  span,
		mem:   mem,
		guard: lifetime.New(func(bool) { release() }),
	}
	runtime.AddCleanup(b, (*lifetime.Guard).Finalize, b.guard)
	return b
}

// Span returns the elements of the buffer, or nil once it is closed.
func (b *OwnedBuffer[T]) Span() []T {
	if b.guard.Disposed() {
		return nil
	}
	return b.span
}

// Len returns the number of elements.
func (b *OwnedBuffer[T]) Len() int {
	return len(b.span)
}

// Bytes returns the buffer as raw bytes, or nil once it is closed.
func (b *OwnedBuffer[T]) Bytes() []byte {
	if b.guard.Disposed() {
		return nil
	}
	return b.mem
}

// Pin returns a stable pointer to the first element. The memory stays valid,
// even after Close, until the pin is released with Unpin. Every pin of a
// buffer yields the same address.
func (b *OwnedBuffer[T]) Pin() (*PinHandle, error) {
	if b.guard.Disposed() || !b.guard.AddRef() {
		return nil, ErrBufferClosed
	}
	return &PinHandle{
		owner: b,
		ptr:   unsafe.Pointer(unsafe.SliceData(b.mem)),
		guard: b.guard,
	}, nil
}

// AddRef borrows a reference. It reports false once the memory is released.
func (b *OwnedBuffer[T]) AddRef() bool {
	return b.guard.AddRef()
}

// ReleaseRef gives back a reference taken with AddRef.
func (b *OwnedBuffer[T]) ReleaseRef() {
	b.guard.ReleaseRef()
}

// Close gives up ownership. It is safe to call more than once.
func (b *OwnedBuffer[T]) Close() {
	b.guard.Dispose()
}

// Closed reports whether Close has been called.
func (b *OwnedBuffer[T]) Closed() bool {
	return b.guard.Disposed()
}

// PinHandle keeps a buffer's memory at a fixed address until Unpin.
type PinHandle struct {
	owner any // keeps the buffer reachable while pinned
	ptr   unsafe.Pointer
	guard *lifetime.Guard
	once  sync.Once
}

// Pointer returns the pinned address.
func (p *PinHandle) Pointer() unsafe.Pointer {
	return p.ptr
}

// Unpin releases the pin. Calls after the first are ignored.
func (p *PinHandle) Unpin() {
	p.once.Do(func() {
		p.guard.ReleaseRef()
		p.owner = nil
	})
}
