package diag

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

var dispatch = newDispatcher()

// Subscribe registers fn to receive the allocation stack of every allocation
// that is finalized without being released. Stacks are only available for
// allocations made while at least one subscriber exists; others are reported
// with an empty stack.
//
// Callbacks run on a dispatcher goroutine, one report at a time.
func Subscribe(fn func(stack string)) (unsubscribe func()) {
	id := dispatch.subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() { dispatch.unsubscribe(id) })
	}
}

// Leaks returns the number of leaked allocations seen since process start.
func Leaks() int64 {
	return dispatch.leaks.Load()
}

type dispatcher struct {
	mu       sync.Mutex
	pending  *queue.Queue
	subs     map[uint64]func(string)
	nextID   uint64
	draining bool
	count    atomic.Int32
	leaks    atomic.Int64
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		pending: queue.New(),
		subs:    make(map[uint64]func(string)),
	}
}

func (d *dispatcher) hasSubscribers() bool {
	return d.count.Load() > 0
}

func (d *dispatcher) subscribe(fn func(string)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[d.nextID] = fn
	d.count.Store(int32(len(d.subs)))
	return d.nextID
}

func (d *dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
	d.count.Store(int32(len(d.subs)))
}

// notify queues a report and makes sure a drain goroutine is running.
// It is called from cleanup goroutines and must return promptly.
func (d *dispatcher) notify(stack string) {
	d.leaks.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.subs) == 0 {
		return
	}
	d.pending.Add(stack)
	if !d.draining {
		d.draining = true
		go d.drain()
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if d.pending.Length() == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		stack := d.pending.Remove().(string)
		subs := make([]func(string), 0, len(d.subs))
		for _, fn := range d.subs {
			subs = append(subs, fn)
		}
		d.mu.Unlock()

		for _, fn := range subs {
			deliver(fn, stack)
		}
	}
}

// deliver shields the dispatcher from a panicking subscriber.
func deliver(fn func(string), stack string) {
	defer func() { _ = recover() }()
	fn(stack)
}
