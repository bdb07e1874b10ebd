// Package shared provides the process-wide pool of small garbage-collected
// byte arrays used for allocations below the pooled block size.
package shared

import (
	"math/bits"
	"sync"

	"github.com/pkg/errors"
)

// MinClassSize is the smallest array handed out by an ArrayPool.
const MinClassSize = 64

var (
	ErrLengthMismatch = errors.New("shared: returned array is not from a size class")
	ErrTooLarge       = errors.New("shared: requested length exceeds the pool maximum")
	ErrNegativeLength = errors.New("shared: negative length")
)

// ArrayPool hands out byte arrays rounded up to power-of-two size classes.
// The pool is unbounded; idle arrays are dropped by the garbage collector.
// An ArrayPool is safe for concurrent use by multiple goroutines.
type ArrayPool struct {
	maxSize int
	classes []sync.Pool
}

// NewArrayPool creates a pool serving lengths up to maxSize, rounded up to the
// next size class.
func NewArrayPool(maxSize int) *ArrayPool {
	if maxSize < MinClassSize {
		maxSize = MinClassSize
	}
	n := classOf(maxSize) + 1
	p := &ArrayPool{
		maxSize: classSize(n - 1),
		classes: make([]sync.Pool, n),
	}
	for i := range p.classes {
		size := classSize(i)
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// MaxSize returns the largest array length the pool serves.
func (p *ArrayPool) MaxSize() int {
	return p.maxSize
}

// Rent returns an array of length n whose capacity is n's size class. The
// contents are not cleared.
func (p *ArrayPool) Rent(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if n > p.maxSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d > %d", n, p.maxSize)
	}
	b := p.classes[classOf(n)].Get().(*[]byte)
	return (*b)[:n], nil
}

// Return puts b back for reuse. b must have been rented from p.
func (p *ArrayPool) Return(b []byte) error {
	c := cap(b)
	if c < MinClassSize || c > p.maxSize || c&(c-1) != 0 {
		return errors.Wrapf(ErrLengthMismatch, "capacity %d", c)
	}
	b = b[:c]
	p.classes[classOf(c)].Put(&b)
	return nil
}

// classOf returns the index of the smallest class holding n bytes.
func classOf(n int) int {
	if n <= MinClassSize {
		return 0
	}
	return bits.Len(uint(n-1)) - bits.Len(uint(MinClassSize-1))
}

func classSize(class int) int {
	return MinClassSize << class
}
