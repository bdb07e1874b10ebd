// Package pool implements a capacity bounded pool of equal-size native memory
// blocks together with the machinery that trims idle blocks over time and
// under memory pressure.
package pool

import (
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTrimPeriod is how long a pool waits between two low-pressure trims.
const DefaultTrimPeriod = 30 * time.Second

var (
	ErrBlockSizeMismatch = errors.New("pool: returned block size does not match the pool block size")
	ErrPoolOverflow      = errors.New("pool: returned more blocks than were rented")
	ErrInvalidHandle     = errors.New("pool: returned handle is not valid")
	ErrDuplicateReturn   = errors.New("pool: block returned twice")
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for trim and free events.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithRegistry registers the pool with r so that r's worker trims it.
func WithRegistry(r *Registry) Option {
	return func(p *Pool) {
		p.registry = r
	}
}

// WithTrimPeriod sets the minimum time between two low-pressure trims.
func WithTrimPeriod(d time.Duration) Option {
	return func(p *Pool) {
		p.trimPeriod = d
	}
}

// WithMonitor sets the memory pressure source consulted on every trim.
func WithMonitor(m Monitor) Option {
	return func(p *Pool) {
		p.monitor = m
	}
}

// WithClock replaces time.Now, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// state is all mutable pool state. It lives in its own allocation so a
// cleanup can free the idle blocks of a pool that became unreachable.
type state struct {
	mu sync.Mutex

	// idle holds blocks ready to be rented, oldest first. idleSet holds the
	// same blocks.
	idle    []*native.Handle
	idleSet map[*native.Handle]struct{}

	// outstanding counts every live block that belongs to the pool, idle or
	// rented. It never exceeds the pool capacity.
	outstanding int

	lastTrim time.Time
}

// drain empties the idle list and returns the removed blocks.
func (s *state) drain() []*native.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.idle
	s.idle = nil
	clear(s.idleSet)
	s.outstanding -= len(idle)
	return idle
}

func (s *state) forget(handles []*native.Handle) {
	for _, h := range handles {
		delete(s.idleSet, h)
	}
}

func (s *state) push(handles []*native.Handle) {
	for _, h := range handles {
		s.idleSet[h] = struct{}{}
	}
	s.idle = append(s.idle, handles...)
}

// Pool is a thread-safe pool of native memory blocks of one fixed size.
//
// At most capacity blocks exist at any time. Rented blocks belong to the
// caller until returned; Release and trimming only ever free idle blocks.
type Pool struct {
	blockSize  int
	capacity   int
	trimPeriod time.Duration
	logger     *zap.Logger
	registry   *Registry
	monitor    Monitor
	now        func() time.Time

	s *state
}

// New creates an empty pool of capacity blocks of blockSize bytes.
func New(blockSize, capacity int, opts ...Option) *Pool {
	if blockSize <= 0 {
		panic(errors.Errorf("pool: invalid block size %d", blockSize))
	}
	if capacity < 0 {
		panic(errors.Errorf("pool: invalid capacity %d", capacity))
	}
	p := &Pool{
		blockSize:  blockSize,
		capacity:   capacity,
		trimPeriod: DefaultTrimPeriod,
		now:        time.Now,
		s:          &state{idleSet: make(map[*native.Handle]struct{})},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.monitor == nil {
		p.monitor = NeverPressured{}
	}
	p.logger = p.logger.Named("pool").With(zap.Int("block-size", blockSize), zap.Int("capacity", capacity))
	p.s.lastTrim = p.now()

	logger := p.logger
	runtime.AddCleanup(p, func(s *state) {
		freeHandles(logger, s.drain())
	}, p.s)

	if p.registry != nil {
		p.registry.Register(p)
	}
	return p
}

// BlockSize returns the size of every block in bytes.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Capacity returns the maximum number of blocks the pool may own.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Rent returns an idle block or allocates a new one. When the pool already
// owns capacity blocks it returns native.Invalid().
func (p *Pool) Rent() *native.Handle {
	p.s.mu.Lock()
	if n := len(p.s.idle); n > 0 {
		h := p.s.idle[n-1]
		p.s.idle[n-1] = nil
		p.s.idle = p.s.idle[:n-1]
		delete(p.s.idleSet, h)
		p.s.mu.Unlock()
		return h
	}
	if p.s.outstanding >= p.capacity {
		p.s.mu.Unlock()
		return native.Invalid()
	}
	p.s.outstanding++
	p.s.mu.Unlock()

	// Allocate outside of the lock to avoid blocking other operations.
	h, err := native.Allocate(p.blockSize)
	if err != nil {
		p.s.mu.Lock()
		p.s.outstanding--
		p.s.mu.Unlock()
		p.logger.Warn("failed to allocate block", zap.Error(err))
		return native.Invalid()
	}
	return h
}

// RentBatch rents n blocks at once. It either returns all n blocks or, when
// the pool cannot supply them, returns false without renting or allocating
// anything.
func (p *Pool) RentBatch(n int) ([]*native.Handle, bool) {
	if n < 0 {
		return nil, false
	}
	out := make([]*native.Handle, n)

	p.s.mu.Lock()
	reused := min(n, len(p.s.idle))
	fresh := n - reused
	if p.s.outstanding+fresh > p.capacity {
		p.s.mu.Unlock()
		return nil, false
	}
	tail := len(p.s.idle) - reused
	copy(out, p.s.idle[tail:])
	p.s.forget(out[:reused])
	clear(p.s.idle[tail:])
	p.s.idle = p.s.idle[:tail]
	p.s.outstanding += fresh
	p.s.mu.Unlock()

	for i := reused; i < n; i++ {
		h, err := native.Allocate(p.blockSize)
		if err != nil {
			freeHandles(p.logger, out[reused:i])
			p.s.mu.Lock()
			p.s.outstanding -= fresh
			p.s.push(out[:reused])
			p.s.mu.Unlock()
			p.logger.Warn("failed to allocate block batch", zap.Int("count", n), zap.Error(err))
			return nil, false
		}
		out[i] = h
	}
	return out, true
}

// Return gives a rented block back to the pool. The block is kept, not freed.
func (p *Pool) Return(h *native.Handle) error {
	return p.ReturnBatch([]*native.Handle{h})
}

// ReturnBatch gives several rented blocks back to the pool. Nothing is
// returned when any of the blocks is invalid, of the wrong size, or already
// idle, or when the batch holds the same block twice.
func (p *Pool) ReturnBatch(handles []*native.Handle) error {
	for _, h := range handles {
		if !h.Valid() {
			return ErrInvalidHandle
		}
		if h.Len() != p.blockSize {
			return errors.Wrapf(ErrBlockSizeMismatch, "got %d bytes, want %d", h.Len(), p.blockSize)
		}
	}

	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if len(p.s.idle)+len(handles) > p.s.outstanding {
		return errors.Wrapf(ErrPoolOverflow, "%d idle, %d returned, %d outstanding",
			len(p.s.idle), len(handles), p.s.outstanding)
	}
	for i, h := range handles {
		if _, ok := p.s.idleSet[h]; ok {
			p.s.forget(handles[:i])
			return errors.Wrapf(ErrDuplicateReturn, "block %p", h.Pointer())
		}
		p.s.idleSet[h] = struct{}{}
	}
	p.s.idle = append(p.s.idle, handles...)
	return nil
}

// Release frees every idle block. Rented blocks are not affected and may still
// be returned afterwards.
func (p *Pool) Release() {
	idle := p.s.drain()
	freeHandles(p.logger, idle)
	if len(idle) > 0 {
		p.logger.Debug("released idle blocks", zap.Int("freed", len(idle)))
	}
}

// Close releases the idle blocks and removes the pool from its registry.
func (p *Pool) Close() {
	if p.registry != nil {
		p.registry.Unregister(p)
	}
	p.Release()
}

// Trim frees idle blocks. Under high memory pressure the whole idle list is
// freed; otherwise, once the trim period has elapsed since the last trim, the
// older half of the idle blocks is freed. It returns the number of blocks freed.
func (p *Pool) Trim() int {
	return p.trim(p.monitor.HighPressure())
}

// TrimOnPressure frees every idle block if memory pressure is high.
func (p *Pool) TrimOnPressure() int {
	if !p.monitor.HighPressure() {
		return 0
	}
	return p.trim(true)
}

func (p *Pool) trim(highPressure bool) int {
	now := p.now()

	p.s.mu.Lock()
	var victims []*native.Handle
	switch {
	case highPressure:
		victims = p.s.idle
		p.s.idle = nil
		clear(p.s.idleSet)
		p.s.lastTrim = now
	case now.Sub(p.s.lastTrim) >= p.trimPeriod:
		victims = trimHalf(&p.s.idle)
		p.s.forget(victims)
		p.s.lastTrim = now
	}
	p.s.outstanding -= len(victims)
	idle := len(p.s.idle)
	p.s.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	freeHandles(p.logger, victims)
	if len(victims) > 0 {
		p.logger.Debug("trimmed idle blocks",
			zap.Bool("high-pressure", highPressure),
			zap.Int("freed", len(victims)),
			zap.Int("idle", idle))
	}
	return len(victims)
}

// trimHalf removes the older half of the idle list, rounding up so that a
// single idle block is trimmed too. It returns the removed blocks.
func trimHalf(idle *[]*native.Handle) []*native.Handle {
	n := (len(*idle) + 1) / 2
	if n == 0 {
		return nil
	}
	victims := slices.Clone((*idle)[:n])
	*idle = slices.Delete(*idle, 0, n)
	return victims
}

// Idle returns the number of blocks ready to be rented.
func (p *Pool) Idle() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.s.idle)
}

// Rented returns the number of blocks currently held by callers.
func (p *Pool) Rented() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.outstanding - len(p.s.idle)
}

// Outstanding returns the number of live blocks owned by the pool, idle or rented.
func (p *Pool) Outstanding() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.outstanding
}

// freeHandles releases the memory of handles back to the operating system.
func freeHandles(logger *zap.Logger, handles []*native.Handle) {
	for _, h := range handles {
		if err := h.Free(); err != nil {
			logger.Error("failed to unmap block", zap.Error(err))
		}
	}
}
