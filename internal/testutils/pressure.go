package testutils

import "sync/atomic"

// PressureSwitch is a memory pressure monitor controlled by the test.
type PressureSwitch struct {
	high  atomic.Bool
	calls atomic.Int64
}

func (p *PressureSwitch) HighPressure() bool {
	p.calls.Add(1)
	return p.high.Load()
}

func (p *PressureSwitch) Set(high bool) {
	p.high.Store(high)
}

// Calls returns how many times the monitor was consulted.
func (p *PressureSwitch) Calls() int64 {
	return p.calls.Load()
}
