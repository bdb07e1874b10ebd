package memory

import (
	"sync"
	"sync/atomic"

	"github.com/SixLabors/ImageSharp-sub032/internal/diag"
	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/SixLabors/ImageSharp-sub032/internal/pool"
	"github.com/SixLabors/ImageSharp-sub032/internal/shared"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Allocator hands out pixel memory from three sources: a shared array pool for
// small requests, a bounded pool of native blocks for requests up to one block,
// and direct native allocations for everything else.
//
// An Allocator is safe for concurrent use by multiple goroutines.
type Allocator struct {
	cfg      Config
	logger   *zap.Logger
	registry *pool.Registry
	monitor  pool.Monitor

	pool   *pool.Pool
	shared *shared.ArrayPool
	closed atomic.Bool
}

// New creates an allocator with its own native pool, registered for background
// trimming.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.registry == nil {
		a.registry = pool.DefaultRegistry()
	}
	if a.monitor == nil {
		a.monitor = pool.SystemMonitor{Fraction: cfg.HighPressureFraction}
	}
	a.logger = a.logger.Named("memory")

	a.pool = pool.New(cfg.PoolBlockSizeBytes, cfg.poolCapacityBlocks(),
		pool.WithLogger(a.logger),
		pool.WithRegistry(a.registry),
		pool.WithTrimPeriod(cfg.TrimPeriod),
		pool.WithMonitor(a.monitor))
	a.shared = shared.NewArrayPool(cfg.SharedArrayThresholdBytes)
	if cfg.TrackAllocationSites {
		diag.EnableSiteTracking(true)
	}
	a.logger.Debug("allocator created",
		zap.Int("pool-block-size", cfg.PoolBlockSizeBytes),
		zap.Int("pool-blocks", a.pool.Capacity()),
		zap.Int("shared-threshold", cfg.SharedArrayThresholdBytes))
	return a, nil
}

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator built from DefaultConfig.
func Default() *Allocator {
	defaultOnce.Do(func() {
		a, err := New(DefaultConfig())
		if err != nil {
			panic(err)
		}
		defaultAllocator = a
	})
	return defaultAllocator
}

// Config returns the configuration the allocator was created with.
func (a *Allocator) Config() Config {
	return a.cfg
}

// Allocate returns a buffer of length elements of T as one contiguous span.
func Allocate[T any](a *Allocator, length int, opts AllocationOptions) (*OwnedBuffer[T], error) {
	size, err := elementSize[T]()
	if err != nil {
		return nil, err
	}
	n, err := byteLength(length, size)
	if err != nil {
		return nil, err
	}
	if err := a.checkLimit(n, a.cfg.SingleBufferLimitBytes); err != nil {
		return nil, err
	}
	mem, release, err := a.allocateBlock(int(n), opts.Has(Clean))
	if err != nil {
		return nil, err
	}
	return newOwnedBuffer(castSlice[T](mem, length), mem, release), nil
}

// checkLimit validates a request of n bytes against the allocation limit and,
// when positive, an additional route specific limit.
func (a *Allocator) checkLimit(n, extra int64) error {
	if a.closed.Load() {
		return ErrAllocatorClosed
	}
	limit := a.cfg.allocationLimitBytes()
	if extra > 0 {
		limit = min(limit, extra)
	}
	if n > limit {
		return errors.Wrapf(ErrInvalidMemoryOperation, "requested %d bytes exceeds the limit of %d bytes", n, limit)
	}
	return nil
}

// allocateBlock returns n bytes from the first source that can serve them and
// the function giving them back.
func (a *Allocator) allocateBlock(n int, clean bool) ([]byte, func(), error) {
	switch {
	case n <= a.cfg.SharedArrayThresholdBytes:
		b, err := a.shared.Rent(n)
		if err != nil {
			return nil, nil, errors.Wrap(ErrInvalidMemoryOperation, err.Error())
		}
		if clean {
			clear(b)
		}
		return b, func() { a.returnShared(b) }, nil
	case n <= a.cfg.PoolBlockSizeBytes:
		if h := a.pool.Rent(); h.Valid() {
			mem := h.Bytes()[:n]
			if clean {
				clear(mem)
			}
			return mem, func() { a.returnHandles([]*native.Handle{h}) }, nil
		}
		a.logger.Debug("pool exhausted, allocating unpooled block", zap.Int("bytes", n))
	}

	// Fresh mappings are zeroed by the operating system.
	h, err := native.Allocate(n)
	if err != nil {
		return nil, nil, err
	}
	return h.Bytes(), func() { a.freeHandles([]*native.Handle{h}) }, nil
}

func (a *Allocator) returnShared(b []byte) {
	if err := a.shared.Return(b); err != nil {
		a.logger.Error("failed to return shared array", zap.Error(err))
	}
}

func (a *Allocator) returnHandles(handles []*native.Handle) {
	if err := a.pool.ReturnBatch(handles); err != nil {
		a.logger.Error("failed to return blocks to pool", zap.Error(err))
		a.freeHandles(handles)
		return
	}
	if a.closed.Load() {
		a.pool.Release()
	}
}

func (a *Allocator) freeHandles(handles []*native.Handle) {
	for _, h := range handles {
		if err := h.Free(); err != nil {
			a.logger.Error("failed to unmap block", zap.Error(err))
		}
	}
}

// ReleaseRetainedResources frees the idle pool blocks. Memory held by live
// buffers is not affected.
func (a *Allocator) ReleaseRetainedResources() {
	a.pool.Release()
}

// Close releases the retained memory and stops background trimming of the
// pool. Live buffers stay usable; their blocks are freed when they are closed.
func (a *Allocator) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.pool.Close()
	a.logger.Debug("allocator closed")
}

// Stats is a point in time snapshot of allocator and process counters.
type Stats struct {
	PoolBlockSize int
	PoolCapacity  int // in blocks
	PoolIdle      int
	PoolRented    int

	// Process-wide.
	NativeHandles int64
	NativeBytes   int64
	Undisposed    int64
	Leaked        int64
}

func (a *Allocator) Stats() Stats {
	return Stats{
		PoolBlockSize: a.pool.BlockSize(),
		PoolCapacity:  a.pool.Capacity(),
		PoolIdle:      a.pool.Idle(),
		PoolRented:    a.pool.Rented(),
		NativeHandles: native.Outstanding(),
		NativeBytes:   native.OutstandingBytes(),
		Undisposed:    diag.Outstanding(),
		Leaked:        diag.Leaks(),
	}
}
