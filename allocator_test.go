package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/SixLabors/ImageSharp-sub032/internal/pool"
)

const (
	testSharedThreshold = 256
	testBlockSize       = 1024
	testPoolBlocks      = 16
	testNonPoolBlock    = 4096
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SharedArrayThresholdBytes = testSharedThreshold
	cfg.PoolBlockSizeBytes = testBlockSize
	cfg.PoolCapacityBytes = testPoolBlocks * testBlockSize
	cfg.NonPoolBlockSizeBytes = testNonPoolBlock
	cfg.SingleBufferLimitBytes = 64 * KiB
	cfg.AllocationLimitMegabytes = 1
	return cfg
}

func newTestAllocator(t testing.TB, opts ...Option) *Allocator {
	t.Helper()
	r := pool.NewRegistry(pool.WithSweepInterval(time.Hour))
	opts = append([]Option{WithRegistry(r), WithMonitor(pool.NeverPressured{})}, opts...)
	a, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		r.Close()
	})
	return a
}

func TestNew(t *testing.T) {
	t.Run("Invalid config is rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.PoolBlockSizeBytes = 0
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("Pool capacity is rounded down to whole blocks", func(t *testing.T) {
		cfg := testConfig()
		cfg.PoolCapacityBytes = 3*testBlockSize + 100
		r := pool.NewRegistry()
		defer r.Close()
		a, err := New(cfg, WithRegistry(r))
		require.NoError(t, err)
		defer a.Close()
		assert.Equal(t, 3, a.Stats().PoolCapacity)
		assert.Equal(t, testBlockSize, a.Stats().PoolBlockSize)
	})

	t.Run("Default is shared", func(t *testing.T) {
		assert.Same(t, Default(), Default())
		assert.Equal(t, DefaultConfig().PoolBlockSizeBytes, Default().Config().PoolBlockSizeBytes)
	})
}

func TestAllocateRouting(t *testing.T) {
	a := newTestAllocator(t)

	t.Run("Small requests use shared arrays", func(t *testing.T) {
		nativeBefore := native.Outstanding()
		buf, err := Allocate[byte](a, testSharedThreshold, None)
		require.NoError(t, err)
		defer buf.Close()

		assert.Equal(t, testSharedThreshold, buf.Len())
		assert.Equal(t, 0, a.Stats().PoolRented)
		assert.Equal(t, nativeBefore, native.Outstanding())
	})

	t.Run("One byte above the shared threshold uses the pool", func(t *testing.T) {
		buf, err := Allocate[byte](a, testSharedThreshold+1, None)
		require.NoError(t, err)
		assert.Equal(t, 1, a.Stats().PoolRented)
		buf.Close()
		assert.Equal(t, 0, a.Stats().PoolRented)
	})

	t.Run("Requests up to a block use the pool", func(t *testing.T) {
		buf, err := Allocate[uint32](a, testBlockSize/4, None)
		require.NoError(t, err)
		assert.Equal(t, 1, a.Stats().PoolRented)
		assert.Len(t, buf.Span(), testBlockSize/4)
		assert.Len(t, buf.Bytes(), testBlockSize)

		buf.Close()
		assert.Equal(t, 0, a.Stats().PoolRented)
		assert.Equal(t, 1, a.Stats().PoolIdle)
	})

	t.Run("Larger requests are unpooled", func(t *testing.T) {
		nativeBefore := native.Outstanding()
		buf, err := Allocate[byte](a, testBlockSize+1, None)
		require.NoError(t, err)
		assert.Equal(t, nativeBefore+1, native.Outstanding())
		assert.Equal(t, 0, a.Stats().PoolRented)

		buf.Close()
		assert.Equal(t, nativeBefore, native.Outstanding())
	})

	t.Run("Exhausted pool falls back to unpooled memory", func(t *testing.T) {
		var bufs []*OwnedBuffer[byte]
		for range testPoolBlocks {
			buf, err := Allocate[byte](a, testBlockSize, None)
			require.NoError(t, err)
			bufs = append(bufs, buf)
		}
		require.Equal(t, testPoolBlocks, a.Stats().PoolRented)

		nativeBefore := native.Outstanding()
		extra, err := Allocate[byte](a, testBlockSize, None)
		require.NoError(t, err)
		assert.Equal(t, nativeBefore+1, native.Outstanding())
		assert.Equal(t, testPoolBlocks, a.Stats().PoolRented)

		extra.Close()
		for _, buf := range bufs {
			buf.Close()
		}
		assert.Equal(t, 0, a.Stats().PoolRented)
		assert.Equal(t, testPoolBlocks, a.Stats().PoolIdle)
	})
}

func TestAllocateErrors(t *testing.T) {
	a := newTestAllocator(t)

	_, err := Allocate[byte](a, -1, None)
	assert.ErrorIs(t, err, ErrArgumentOutOfRange)

	_, err = Allocate[byte](a, 64*KiB+1, None)
	assert.ErrorIs(t, err, ErrInvalidMemoryOperation, "single buffer limit")

	_, err = Allocate[uint64](a, int(^uint(0)>>1)/4, None)
	assert.ErrorIs(t, err, ErrInvalidMemoryOperation, "byte length overflow")

	_, err = Allocate[*int](a, 1, None)
	assert.ErrorIs(t, err, ErrUnsupportedElement)

	_, err = Allocate[struct{}](a, 1, None)
	assert.ErrorIs(t, err, ErrUnsupportedElement)

	buf, err := Allocate[byte](a, 0, None)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len())
	buf.Close()
}

func TestAllocateClean(t *testing.T) {
	a := newTestAllocator(t)
	for _, n := range []int{100, testBlockSize} {
		dirty, err := Allocate[byte](a, n, None)
		require.NoError(t, err)
		for i := range dirty.Span() {
			dirty.Span()[i] = 0xff
		}
		dirty.Close()

		clean, err := Allocate[byte](a, n, Clean)
		require.NoError(t, err)
		for i, v := range clean.Span() {
			if v != 0 {
				t.Fatalf("n=%d: expected zero at %d, got %#x", n, i, v)
			}
		}
		clean.Close()
	}
}

func TestReleaseRetainedResources(t *testing.T) {
	a := newTestAllocator(t)
	nativeBefore := native.Outstanding()

	buf, err := Allocate[byte](a, testBlockSize, None)
	require.NoError(t, err)
	buf.Close()
	require.Equal(t, 1, a.Stats().PoolIdle)
	require.Equal(t, nativeBefore+1, native.Outstanding())

	a.ReleaseRetainedResources()
	assert.Equal(t, 0, a.Stats().PoolIdle)
	assert.Equal(t, nativeBefore, native.Outstanding())
}

func TestAllocatorClose(t *testing.T) {
	a := newTestAllocator(t)
	nativeBefore := native.Outstanding()

	live, err := Allocate[byte](a, testBlockSize, None)
	require.NoError(t, err)
	a.Close()
	a.Close()

	_, err = Allocate[byte](a, 10, None)
	assert.ErrorIs(t, err, ErrAllocatorClosed)
	_, err = AllocateGroup[byte](a, 10, 0, None)
	assert.ErrorIs(t, err, ErrAllocatorClosed)

	// Live buffers keep working and are freed, not pooled, on close.
	live.Span()[0] = 1
	live.Close()
	assert.Equal(t, 0, a.Stats().PoolIdle)
	assert.Equal(t, nativeBefore, native.Outstanding())
}

func TestAllocateConcurrent(t *testing.T) {
	a := newTestAllocator(t)
	sizes := []int{16, testSharedThreshold + 1, testBlockSize, 3 * testBlockSize}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				buf, err := Allocate[byte](a, sizes[(i+j)%len(sizes)], Clean)
				if err != nil {
					t.Error(err)
					return
				}
				buf.Span()[0] = byte(j)
				buf.Close()
			}
		}()
	}
	wg.Wait()

	stats := a.Stats()
	assert.Equal(t, 0, stats.PoolRented)
	assert.LessOrEqual(t, stats.PoolIdle, testPoolBlocks)
}
