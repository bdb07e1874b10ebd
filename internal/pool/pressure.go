package pool

import (
	"math"
	"runtime/debug"
	"runtime/metrics"

	"github.com/SixLabors/ImageSharp-sub032/internal/native"
)

// DefaultHighPressureFraction is the share of the high memory threshold above
// which pools drop their idle blocks.
const DefaultHighPressureFraction = 0.9

// Monitor reports whether the process is under high memory pressure.
type Monitor interface {
	HighPressure() bool
}

// NeverPressured is a Monitor that never reports pressure.
type NeverPressured struct{}

func (NeverPressured) HighPressure() bool { return false }

// SystemMonitor compares the memory load with the platform's high memory
// threshold.
//
// When a soft memory limit is set (GOMEMLIMIT or debug.SetMemoryLimit) the
// threshold is that limit and the load is the memory mapped by the Go runtime
// plus the native blocks held by this process. Otherwise the threshold is 90%
// of physical memory, or of the cgroup limit, and the load is the memory that
// is not available. Reclaimable page cache counts as available.
type SystemMonitor struct {
	Fraction float64
}

func (m SystemMonitor) HighPressure() bool {
	load, threshold := memoryLoad()
	return m.exceeds(load, threshold)
}

func (m SystemMonitor) exceeds(load, threshold uint64) bool {
	if threshold == 0 {
		return false
	}
	fraction := m.Fraction
	if fraction <= 0 {
		fraction = DefaultHighPressureFraction
	}
	return float64(load) >= float64(threshold)*fraction
}

const runtimeTotalMetric = "/memory/classes/total:bytes"

func memoryLoad() (load, threshold uint64) {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		sample := []metrics.Sample{{Name: runtimeTotalMetric}}
		metrics.Read(sample)
		if sample[0].Value.Kind() == metrics.KindUint64 {
			load = sample[0].Value.Uint64()
		}
		if n := native.OutstandingBytes(); n > 0 {
			load += uint64(n)
		}
		return load, uint64(limit)
	}

	st, ok := native.SystemMemoryStatus()
	if !ok {
		return 0, 0
	}
	return statusLoad(st)
}

func statusLoad(st native.MemoryStatus) (load, threshold uint64) {
	if st.Total == 0 {
		return 0, 0
	}
	return st.Used(), st.Total / 10 * 9
}
