package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SixLabors/ImageSharp-sub032/internal/native"
	"github.com/SixLabors/ImageSharp-sub032/internal/testutils"
)

const (
	testBlockSize = 128
	testCapacity  = 16
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p := New(testBlockSize, testCapacity, opts...)
	t.Cleanup(p.Release)
	return p
}

func TestPoolRentReturn(t *testing.T) {
	t.Run("Rent single and batch", func(t *testing.T) {
		before := native.Outstanding()
		p := newTestPool(t)

		a := p.Rent()
		b, ok := p.RentBatch(2)
		if !a.Valid() || !ok {
			t.Fatalf("expected rents to succeed, got valid=%v ok=%v", a.Valid(), ok)
		}
		if got := p.Rented(); got != 3 {
			t.Fatalf("expected 3 rented blocks, got %d", got)
		}
		if got := native.Outstanding() - before; got != 3 {
			t.Fatalf("expected 3 native handles, got %d", got)
		}

		if err := p.Return(a); err != nil {
			t.Fatalf("failed to return: %v", err)
		}
		if got := p.Rented(); got != 2 {
			t.Errorf("expected 2 rented blocks after return, got %d", got)
		}
		if got := native.Outstanding() - before; got != 3 {
			t.Errorf("expected returned block to be kept, got %d native handles", got)
		}

		// Release frees the idle block only.
		p.Release()
		if got := native.Outstanding() - before; got != 2 {
			t.Errorf("expected 2 native handles after release, got %d", got)
		}
		if a.Valid() {
			t.Errorf("expected idle block to be freed by release")
		}
		for _, h := range b {
			if !h.Valid() {
				t.Errorf("expected rented block to survive release")
			}
		}

		if err := p.ReturnBatch(b); err != nil {
			t.Fatalf("failed to return batch after release: %v", err)
		}
		p.Release()
		if got := native.Outstanding() - before; got != 0 {
			t.Errorf("expected no native handles, got %d", got)
		}
	})

	t.Run("Rented blocks have the pool block size", func(t *testing.T) {
		p := newTestPool(t)
		h := p.Rent()
		if h.Len() != testBlockSize {
			t.Fatalf("expected %d bytes, got %d", testBlockSize, h.Len())
		}
		_ = p.Return(h)
	})

	t.Run("Returned blocks are reused", func(t *testing.T) {
		p := newTestPool(t)
		hs, ok := p.RentBatch(4)
		if !ok {
			t.Fatal("expected batch rent to succeed")
		}
		returned := make(map[*native.Handle]bool)
		for _, h := range hs[:2] {
			returned[h] = true
		}
		if err := p.ReturnBatch(hs[:2]); err != nil {
			t.Fatal(err)
		}

		again, ok := p.RentBatch(2)
		if !ok {
			t.Fatal("expected batch rent to succeed")
		}
		for _, h := range again {
			if !returned[h] {
				t.Errorf("expected a previously returned block, got %p", h.Pointer())
			}
		}
		_ = p.ReturnBatch(again)
		_ = p.ReturnBatch(hs[2:])
	})

	t.Run("Last returned block is rented first", func(t *testing.T) {
		p := newTestPool(t)
		a, b := p.Rent(), p.Rent()
		_ = p.Return(a)
		_ = p.Return(b)
		if got := p.Rent(); got != b {
			t.Errorf("expected most recently returned block")
		}
	})

	t.Run("Return of wrong size fails", func(t *testing.T) {
		p := newTestPool(t)
		h, err := native.Allocate(testBlockSize * 2)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Free()
		if err := p.Return(h); !errors.Is(err, ErrBlockSizeMismatch) {
			t.Errorf("expected %v, got %v", ErrBlockSizeMismatch, err)
		}
		if p.Idle() != 0 {
			t.Errorf("expected nothing to be added to the pool")
		}
	})

	t.Run("Return of invalid handle fails", func(t *testing.T) {
		p := newTestPool(t)
		if err := p.Return(native.Invalid()); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("expected %v, got %v", ErrInvalidHandle, err)
		}
	})

	t.Run("Same block twice in one batch fails", func(t *testing.T) {
		p := newTestPool(t)
		hs, ok := p.RentBatch(2)
		if !ok {
			t.Fatal("expected batch rent to succeed")
		}
		if err := p.ReturnBatch([]*native.Handle{hs[0], hs[0]}); !errors.Is(err, ErrDuplicateReturn) {
			t.Fatalf("expected %v, got %v", ErrDuplicateReturn, err)
		}
		if p.Idle() != 0 {
			t.Fatalf("expected rejected batch to leave the pool empty, got %d idle", p.Idle())
		}
		if err := p.ReturnBatch(hs); err != nil {
			t.Fatalf("failed to return batch after rejection: %v", err)
		}
		if a, b := p.Rent(), p.Rent(); a == b {
			t.Errorf("expected distinct blocks, got %p twice", a.Pointer())
		}
	})

	t.Run("Returning an idle block fails", func(t *testing.T) {
		p := newTestPool(t)
		hs, _ := p.RentBatch(3)
		if err := p.Return(hs[0]); err != nil {
			t.Fatal(err)
		}
		if err := p.Return(hs[0]); !errors.Is(err, ErrDuplicateReturn) {
			t.Fatalf("expected %v, got %v", ErrDuplicateReturn, err)
		}
		if err := p.ReturnBatch([]*native.Handle{hs[1], hs[0]}); !errors.Is(err, ErrDuplicateReturn) {
			t.Fatalf("expected %v, got %v", ErrDuplicateReturn, err)
		}
		if p.Idle() != 1 {
			t.Errorf("expected 1 idle block, got %d", p.Idle())
		}
		// hs[1] was rolled back and can still be returned.
		if err := p.ReturnBatch(hs[1:]); err != nil {
			t.Fatalf("failed to return remaining blocks: %v", err)
		}
		if p.Rented() != 0 {
			t.Errorf("expected no rented blocks, got %d", p.Rented())
		}
	})

	t.Run("Rented blocks can be returned again after reuse", func(t *testing.T) {
		p := newTestPool(t)
		h := p.Rent()
		for range 3 {
			if err := p.Return(h); err != nil {
				t.Fatal(err)
			}
			if got := p.Rent(); got != h {
				t.Fatal("expected the same block back")
			}
		}
		_ = p.Return(h)
	})

	t.Run("Return of more blocks than rented fails", func(t *testing.T) {
		p := newTestPool(t)
		h, err := native.Allocate(testBlockSize)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Free()
		if err := p.Return(h); !errors.Is(err, ErrPoolOverflow) {
			t.Errorf("expected %v, got %v", ErrPoolOverflow, err)
		}
	})
}

func TestPoolCapacity(t *testing.T) {
	t.Run("Single rent beyond capacity returns invalid handle", func(t *testing.T) {
		p := newTestPool(t)
		hs, ok := p.RentBatch(testCapacity)
		if !ok {
			t.Fatal("expected to rent the whole capacity")
		}
		before := native.Outstanding()
		if h := p.Rent(); h.Valid() {
			t.Fatal("expected invalid handle from exhausted pool")
		}
		if native.Outstanding() != before {
			t.Errorf("expected no allocation on exhausted rent")
		}
		_ = p.ReturnBatch(hs)
	})

	t.Run("Batch rent beyond capacity is all or nothing", func(t *testing.T) {
		p := newTestPool(t)
		hs, ok := p.RentBatch(testCapacity - 2)
		if !ok {
			t.Fatal("expected batch to succeed")
		}
		before := native.Outstanding()
		if more, ok := p.RentBatch(3); ok || more != nil {
			t.Fatalf("expected batch rent to fail, got %d handles", len(more))
		}
		if native.Outstanding() != before {
			t.Errorf("expected no allocation on failed batch")
		}
		if p.Rented() != testCapacity-2 {
			t.Errorf("expected failed batch to leave rented count alone, got %d", p.Rented())
		}

		// Idle blocks count towards a batch.
		_ = p.ReturnBatch(hs[:3])
		more, ok := p.RentBatch(5)
		if !ok {
			t.Fatal("expected batch of idle and fresh blocks to succeed")
		}
		if p.Outstanding() != testCapacity {
			t.Errorf("expected pool at capacity, got %d", p.Outstanding())
		}
		_ = p.ReturnBatch(more)
		_ = p.ReturnBatch(hs[3:])
	})

	t.Run("After returning K blocks K can be rented again", func(t *testing.T) {
		p := newTestPool(t)
		hs, _ := p.RentBatch(testCapacity)
		const k = 5
		_ = p.ReturnBatch(hs[:k])

		before := native.Outstanding()
		again, ok := p.RentBatch(k)
		if !ok {
			t.Fatalf("expected to rent %d returned blocks", k)
		}
		if native.Outstanding() != before {
			t.Errorf("expected reuse without allocation")
		}
		if h := p.Rent(); h.Valid() {
			t.Errorf("expected pool to be exhausted again")
		}
		_ = p.ReturnBatch(again)
		_ = p.ReturnBatch(hs[k:])
	})

	t.Run("Zero capacity pool never rents", func(t *testing.T) {
		p := New(testBlockSize, 0)
		if p.Rent().Valid() {
			t.Error("expected invalid handle")
		}
		if _, ok := p.RentBatch(1); ok {
			t.Error("expected batch to fail")
		}
	})
}

func TestPoolTrim(t *testing.T) {
	const period = 5 * time.Second

	t.Run("Trim halves idle blocks each period", func(t *testing.T) {
		clock := testutils.NewManualClock()
		p := newTestPool(t, WithClock(clock.Now), WithTrimPeriod(period))
		hs, _ := p.RentBatch(testCapacity)
		_ = p.ReturnBatch(hs[:8])

		if freed := p.Trim(); freed != 0 {
			t.Fatalf("expected no trim before period elapsed, freed %d", freed)
		}

		// Run for three periods: 8 -> 4 -> 2 -> 1.
		want := []int{4, 2, 1}
		for round, idle := range want {
			before := p.Idle()
			clock.Advance(period)
			p.Trim()
			got := p.Idle()
			if got != idle {
				t.Errorf("round %d: expected %d idle, got %d", round, idle, got)
			}
			if float64(got) > 0.8*float64(before) {
				t.Errorf("round %d: expected idle %d to drop below 80%% of %d", round, got, before)
			}
		}
		if p.Rented() != 8 {
			t.Errorf("expected rented blocks to be untouched, got %d", p.Rented())
		}
		_ = p.ReturnBatch(hs[8:])
	})

	t.Run("Repeated trims reach zero", func(t *testing.T) {
		clock := testutils.NewManualClock()
		p := newTestPool(t, WithClock(clock.Now), WithTrimPeriod(period))
		hs, _ := p.RentBatch(testCapacity)
		_ = p.ReturnBatch(hs)

		prev := p.Idle()
		for range 10 {
			clock.Advance(period)
			p.Trim()
			idle := p.Idle()
			if idle > prev {
				t.Fatalf("idle count grew from %d to %d", prev, idle)
			}
			if prev > 0 && idle >= prev {
				t.Fatalf("idle count did not decrease from %d", prev)
			}
			prev = idle
			if idle == 0 {
				break
			}
		}
		if prev != 0 || p.Outstanding() != 0 {
			t.Errorf("expected empty pool, got idle=%d outstanding=%d", prev, p.Outstanding())
		}
	})

	t.Run("Trim frees the oldest blocks", func(t *testing.T) {
		clock := testutils.NewManualClock()
		p := newTestPool(t, WithClock(clock.Now), WithTrimPeriod(period))
		hs, _ := p.RentBatch(4)
		for _, h := range hs {
			_ = p.Return(h)
		}
		clock.Advance(period)
		p.Trim()
		if hs[0].Valid() || hs[1].Valid() {
			t.Errorf("expected the two oldest blocks to be freed")
		}
		if !hs[2].Valid() || !hs[3].Valid() {
			t.Errorf("expected the two newest blocks to be kept")
		}
	})

	t.Run("High pressure frees all idle blocks", func(t *testing.T) {
		var pressure testutils.PressureSwitch
		p := newTestPool(t, WithMonitor(&pressure), WithTrimPeriod(time.Hour))
		hs, _ := p.RentBatch(10)
		_ = p.ReturnBatch(hs[:6])

		if freed := p.TrimOnPressure(); freed != 0 {
			t.Fatalf("expected no trim without pressure, freed %d", freed)
		}
		if pressure.Calls() != 1 {
			t.Errorf("expected monitor to be consulted once, got %d", pressure.Calls())
		}
		pressure.Set(true)
		if freed := p.Trim(); freed != 6 {
			t.Errorf("expected 6 blocks freed, got %d", freed)
		}
		if p.Idle() != 0 || p.Rented() != 4 {
			t.Errorf("expected idle=0 rented=4, got idle=%d rented=%d", p.Idle(), p.Rented())
		}
		_ = p.ReturnBatch(hs[6:])
		if freed := p.TrimOnPressure(); freed != 4 {
			t.Errorf("expected 4 blocks freed, got %d", freed)
		}
	})
}

func TestPoolConcurrentRentReturn(t *testing.T) {
	p := newTestPool(t)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if h := p.Rent(); h.Valid() {
					h.Bytes()[0] = 1
					if err := p.Return(h); err != nil {
						t.Error(err)
						return
					}
				}
				if hs, ok := p.RentBatch(3); ok {
					if err := p.ReturnBatch(hs); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if p.Rented() != 0 {
		t.Errorf("expected no rented blocks, got %d", p.Rented())
	}
	if p.Outstanding() > testCapacity {
		t.Errorf("expected at most %d blocks, got %d", testCapacity, p.Outstanding())
	}
	if p.Idle() != p.Outstanding() {
		t.Errorf("expected idle %d to equal outstanding %d", p.Idle(), p.Outstanding())
	}
}
