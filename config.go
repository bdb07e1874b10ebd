package memory

import (
	"math/bits"
	"time"

	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/SixLabors/ImageSharp-sub032/internal/pool"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	KiB = native.KiB
	MiB = native.MiB
	GiB = 1024 * MiB
)

// Config holds the construction time settings of an Allocator.
type Config struct {
	// Requests up to this many bytes are served from the shared array pool.
	// The bound is inclusive: a request of exactly this size is shared too.
	SharedArrayThresholdBytes int

	// Size of every block in the native pool. Larger requests are split into
	// groups of blocks of this size.
	PoolBlockSizeBytes int

	// Maximum number of bytes the native pool may hold, idle or rented. It is
	// rounded down to whole blocks; zero disables the pool.
	PoolCapacityBytes int64

	// Block size of groups allocated outside the pool once it is exhausted.
	NonPoolBlockSizeBytes int

	// Maximum size of a single contiguous buffer.
	SingleBufferLimitBytes int64

	// Minimum time between two trims of idle pool blocks. Each trim frees the
	// older half of the idle blocks.
	TrimPeriod time.Duration

	// Share of the platform's high memory threshold above which the pool drops
	// all idle blocks.
	HighPressureFraction float64

	// Upper bound of any single allocation, buffer or group, in megabytes.
	AllocationLimitMegabytes int

	// Record live allocations by call site. See LiveSites.
	TrackAllocationSites bool
}

// DefaultConfig returns the configuration used by Default.
func DefaultConfig() Config {
	return Config{
		SharedArrayThresholdBytes: 1 * MiB,
		PoolBlockSizeBytes:        4 * MiB,
		PoolCapacityBytes:         defaultPoolCapacity(),
		NonPoolBlockSizeBytes:     32 * MiB,
		SingleBufferLimitBytes:    1 * GiB,
		TrimPeriod:                pool.DefaultTrimPeriod,
		HighPressureFraction:      pool.DefaultHighPressureFraction,
		AllocationLimitMegabytes:  defaultAllocationLimitMegabytes(),
	}
}

// defaultPoolCapacity is an eighth of physical memory.
func defaultPoolCapacity() int64 {
	total := native.TotalMemory()
	if total == 0 {
		return 128 * MiB
	}
	return int64(total / 8)
}

func defaultAllocationLimitMegabytes() int {
	if bits.UintSize == 32 {
		return 1024
	}
	return 4096
}

func (c Config) Validate() error {
	var err error
	if c.SharedArrayThresholdBytes < 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: shared array threshold %d must not be negative", c.SharedArrayThresholdBytes))
	}
	if c.PoolBlockSizeBytes <= 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: pool block size %d must be positive", c.PoolBlockSizeBytes))
	} else if c.SharedArrayThresholdBytes > c.PoolBlockSizeBytes {
		err = multierr.Append(err, errors.Errorf("invalid config: shared array threshold %d exceeds pool block size %d",
			c.SharedArrayThresholdBytes, c.PoolBlockSizeBytes))
	}
	if c.PoolCapacityBytes < 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: pool capacity %d must not be negative", c.PoolCapacityBytes))
	}
	if c.NonPoolBlockSizeBytes <= 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: non-pool block size %d must be positive", c.NonPoolBlockSizeBytes))
	}
	if c.SingleBufferLimitBytes <= 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: single buffer limit %d must be positive", c.SingleBufferLimitBytes))
	}
	if c.TrimPeriod <= 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: trim period %s must be positive", c.TrimPeriod))
	}
	if c.HighPressureFraction <= 0 || c.HighPressureFraction > 1 {
		err = multierr.Append(err, errors.New("invalid config: high pressure fraction must be in (0.0, 1.0]"))
	}
	if c.AllocationLimitMegabytes <= 0 {
		err = multierr.Append(err, errors.Errorf("invalid config: allocation limit %d MB must be positive", c.AllocationLimitMegabytes))
	}
	return err
}

func (c Config) allocationLimitBytes() int64 {
	return int64(c.AllocationLimitMegabytes) * MiB
}

func (c Config) poolCapacityBlocks() int {
	return int(c.PoolCapacityBytes / int64(c.PoolBlockSizeBytes))
}
