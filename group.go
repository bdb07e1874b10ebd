package memory

import (
	"fmt"
	"runtime"

	"github.com/SixLabors/ImageSharp-sub032/internal/lifetime"
	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Group is a buffer of T split into segments, addressed as one logical span.
//
// Every segment except the last holds exactly BlockLength elements, and the
// block length is a multiple of the alignment requested at allocation. A
// group allocated with Contiguous has a single segment.
type Group[T any] struct {
	segments [][]T
	blockLen int
	total    int
	guard    *lifetime.Guard
}

func newGroup[T any](segments [][]T, blockLen, total int, release func()) *Group[T] {
	g := &Group[T]{
		segments: segments,
		blockLen: blockLen,
		total:    total,
		guard:    lifetime.New(func(bool) { release() }),
	}
	runtime.AddCleanup(g, (*lifetime.Guard).Finalize, g.guard)
	return g
}

// groupLayout splits total elements into segments of at most blockCap
// elements. The segment length is rounded down to a multiple of alignment;
// an alignment of 0 or 1 means none.
func groupLayout(total, blockCap, alignment int) (blockLen, count int, err error) {
	if alignment <= 1 {
		alignment = 1
	}
	if alignment > blockCap {
		return 0, 0, errors.Wrapf(ErrInvalidMemoryOperation,
			"alignment of %d elements exceeds the block capacity of %d elements", alignment, blockCap)
	}
	if total == 0 {
		return 0, 1, nil
	}
	blockLen = blockCap / alignment * alignment
	if total < blockLen {
		blockLen = total
	}
	count = (total + blockLen - 1) / blockLen
	return blockLen, count, nil
}

// AllocateGroup returns a group of total elements of T whose segment length is
// a multiple of alignment.
//
// Requests that fit the shared array threshold get a single shared segment.
// Larger requests rent pool blocks, all or nothing; when the pool cannot
// supply them the group is built from unpooled blocks of NonPoolBlockSizeBytes.
// With Contiguous the group is a single segment of at most
// SingleBufferLimitBytes.
func AllocateGroup[T any](a *Allocator, total, alignment int, opts AllocationOptions) (*Group[T], error) {
	if alignment < 0 {
		return nil, errors.Wrapf(ErrArgumentOutOfRange, "alignment %d", alignment)
	}
	size, err := elementSize[T]()
	if err != nil {
		return nil, err
	}
	n, err := byteLength(total, size)
	if err != nil {
		return nil, err
	}
	clean := opts.Has(Clean)

	if opts.Has(Contiguous) {
		if err := a.checkLimit(n, a.cfg.SingleBufferLimitBytes); err != nil {
			return nil, err
		}
		return singleSegmentGroup[T](a, total, int(n), clean)
	}
	if err := a.checkLimit(n, 0); err != nil {
		return nil, err
	}

	blockLen, count, err := groupLayout(total, a.cfg.PoolBlockSizeBytes/size, alignment)
	if err == nil {
		if count == 1 && n <= int64(a.cfg.SharedArrayThresholdBytes) {
			return singleSegmentGroup[T](a, total, int(n), clean)
		}
		if handles, ok := a.pool.RentBatch(count); ok {
			return poolGroup[T](a, handles, blockLen, total, size, clean), nil
		}
		a.logger.Debug("pool exhausted, allocating unpooled group",
			zap.Int("blocks", count), zap.Int64("bytes", n))
	}

	blockLen, count, err = groupLayout(total, a.cfg.NonPoolBlockSizeBytes/size, alignment)
	if err != nil {
		return nil, err
	}
	return nativeGroup[T](a, blockLen, count, total, size)
}

func singleSegmentGroup[T any](a *Allocator, total, n int, clean bool) (*Group[T], error) {
	mem, release, err := a.allocateBlock(n, clean)
	if err != nil {
		return nil, err
	}
	return newGroup([][]T{castSlice[T](mem, total)}, total, total, release), nil
}

func poolGroup[T any](a *Allocator, handles []*native.Handle, blockLen, total, size int, clean bool) *Group[T] {
	segments := make([][]T, len(handles))
	for i, h := range handles {
		length := segmentLength(i, len(handles), blockLen, total)
		mem := h.Bytes()
		if clean {
			clear(mem[:length*size])
		}
		segments[i] = castSlice[T](mem, length)
	}
	return newGroup(segments, blockLen, total, func() { a.returnHandles(handles) })
}

// nativeGroup maps count fresh blocks. Fresh mappings are already zeroed.
func nativeGroup[T any](a *Allocator, blockLen, count, total, size int) (*Group[T], error) {
	handles := make([]*native.Handle, 0, count)
	segments := make([][]T, count)
	for i := range count {
		length := segmentLength(i, count, blockLen, total)
		h, err := native.Allocate(length * size)
		if err != nil {
			a.freeHandles(handles)
			return nil, err
		}
		handles = append(handles, h)
		segments[i] = castSlice[T](h.Bytes(), length)
	}
	return newGroup(segments, blockLen, total, func() { a.freeHandles(handles) }), nil
}

func segmentLength(i, count, blockLen, total int) int {
	if i == count-1 {
		return total - (count-1)*blockLen
	}
	return blockLen
}

// Segment returns the i-th segment, or nil once the group is closed.
func (g *Group[T]) Segment(i int) []T {
	if g.guard.Disposed() {
		return nil
	}
	return g.segments[i]
}

// Count returns the number of segments.
func (g *Group[T]) Count() int {
	return len(g.segments)
}

// TotalLength returns the number of elements across all segments.
func (g *Group[T]) TotalLength() int {
	return g.total
}

// BlockLength returns the length of every segment but the last.
func (g *Group[T]) BlockLength() int {
	return g.blockLen
}

// IsValid reports whether the group is still open.
func (g *Group[T]) IsValid() bool {
	return !g.guard.Disposed()
}

// Close gives up ownership. It is safe to call more than once.
func (g *Group[T]) Close() {
	g.guard.Dispose()
}

// AddRef borrows a reference. It reports false once the memory is released.
func (g *Group[T]) AddRef() bool {
	return g.guard.AddRef()
}

// ReleaseRef gives back a reference taken with AddRef.
func (g *Group[T]) ReleaseRef() {
	g.guard.ReleaseRef()
}

// Index returns a pointer to the i-th element of the logical span. It panics
// with ErrBufferClosed once the group is closed.
func (g *Group[T]) Index(i int) *T {
	if i < 0 || i >= g.total {
		panic(fmt.Sprintf("memory: index %d out of range [0:%d]", i, g.total))
	}
	seg := g.Segment(i / g.blockLen)
	if seg == nil {
		panic(ErrBufferClosed)
	}
	return &seg[i%g.blockLen]
}

// Fill sets every element to v.
func (g *Group[T]) Fill(v T) {
	for i := range g.Count() {
		seg := g.Segment(i)
		for j := range seg {
			seg[j] = v
		}
	}
}

// Clear zeroes every element.
func (g *Group[T]) Clear() {
	for i := range g.Count() {
		clear(g.Segment(i))
	}
}

// CopyTo copies the group into dst and returns the number of elements copied,
// which is the minimum of TotalLength and len(dst).
func (g *Group[T]) CopyTo(dst []T) int {
	n := 0
	for i := range g.Count() {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], g.Segment(i))
	}
	return n
}

// CopyFrom copies src into the group and returns the number of elements
// copied, which is the minimum of TotalLength and len(src).
func (g *Group[T]) CopyFrom(src []T) int {
	n := 0
	for i := range g.Count() {
		if n == len(src) {
			break
		}
		n += copy(g.Segment(i), src[n:])
	}
	return n
}
