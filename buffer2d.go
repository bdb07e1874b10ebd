package memory

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

// Buffer2D is a width x height grid of T stored row-major in a Group. Rows
// never straddle two segments.
type Buffer2D[T any] struct {
	*Group[T]
	width  int
	height int
}

// Allocate2D returns a grid of width x height elements of T.
func Allocate2D[T any](a *Allocator, width, height int, opts AllocationOptions) (*Buffer2D[T], error) {
	if width < 0 || height < 0 {
		return nil, errors.Wrapf(ErrArgumentOutOfRange, "size %dx%d", width, height)
	}
	hi, lo := bits.Mul64(uint64(width), uint64(height))
	if hi != 0 || lo > uint64(math.MaxInt) {
		return nil, errors.Wrapf(ErrInvalidMemoryOperation, "size %dx%d overflows", width, height)
	}
	g, err := AllocateGroup[T](a, int(lo), width, opts)
	if err != nil {
		return nil, err
	}
	return &Buffer2D[T]{Group: g, width: width, height: height}, nil
}

func (b *Buffer2D[T]) Width() int {
	return b.width
}

func (b *Buffer2D[T]) Height() int {
	return b.height
}

// Row returns row y. The slice aliases the buffer.
func (b *Buffer2D[T]) Row(y int) []T {
	if y < 0 || y >= b.height {
		panic(fmt.Sprintf("memory: row %d out of range [0:%d]", y, b.height))
	}
	if b.width == 0 {
		return []T{}
	}
	off := y * b.width
	seg := b.Segment(off / b.blockLen)
	if seg == nil {
		return nil
	}
	start := off % b.blockLen
	return seg[start : start+b.width]
}

// DangerousSingleSpan returns the whole grid as one span when it is stored in
// a single segment.
func (b *Buffer2D[T]) DangerousSingleSpan() ([]T, bool) {
	if b.Count() != 1 {
		return nil, false
	}
	seg := b.Segment(0)
	return seg, seg != nil
}
