package pool

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/lni/goutils/syncutil"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often a registry visits its pools.
const DefaultSweepInterval = time.Second

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSweepInterval sets how often the registry worker trims its pools.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.interval = d
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry tracks live pools without keeping them alive, and trims them from
// a background worker: periodically, and after a garbage collection cycle that
// observed high memory pressure.
//
// A pool whose only remaining reference is its registry entry is collected
// normally; its idle blocks are freed by the pool's own cleanup.
type Registry struct {
	mu    sync.Mutex
	pools []weak.Pointer[Pool]

	interval time.Duration
	logger   *zap.Logger
	stopper  *syncutil.Stopper
	pressure chan struct{}
	start    sync.Once
	closed   atomic.Bool
}

// NewRegistry creates a registry. Its worker starts with the first Register.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		interval: DefaultSweepInterval,
		stopper:  syncutil.NewStopper(),
		pressure: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("registry")
	return r
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds p to the registry.
func (r *Registry) Register(p *Pool) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	r.pools = append(r.pools, weak.Make(p))
	r.mu.Unlock()

	r.start.Do(func() {
		r.stopper.RunWorker(r.run)
		armGCNotifier(r)
	})
}

// Unregister removes p from the registry.
func (r *Registry) Unregister(p *Pool) {
	wp := weak.Make(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = slices.DeleteFunc(r.pools, func(e weak.Pointer[Pool]) bool {
		return e == wp
	})
}

// Len returns the number of registered pools that are still alive.
func (r *Registry) Len() int {
	return len(r.live())
}

// live returns the registered pools that are still reachable and forgets the
// collected ones.
func (r *Registry) live() []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pool, 0, len(r.pools))
	r.pools = slices.DeleteFunc(r.pools, func(e weak.Pointer[Pool]) bool {
		p := e.Value()
		if p == nil {
			return true
		}
		out = append(out, p)
		return false
	})
	return out
}

// Sweep trims every registered pool once and returns the number of blocks freed.
func (r *Registry) Sweep() int {
	freed := 0
	for _, p := range r.live() {
		freed += p.Trim()
	}
	return freed
}

// sweepPressured frees the idle blocks of every pool that sees high pressure.
func (r *Registry) sweepPressured() int {
	freed := 0
	for _, p := range r.live() {
		freed += p.TrimOnPressure()
	}
	return freed
}

// Close stops the worker. Registered pools keep working but are no longer
// trimmed in the background.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.stopper.Stop()
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Debug("trim worker started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ticker.C:
			if freed := r.Sweep(); freed > 0 {
				r.logger.Debug("periodic trim", zap.Int("freed", freed))
			}
		case <-r.pressure:
			if freed := r.sweepPressured(); freed > 0 {
				r.logger.Info("trimmed pools under memory pressure", zap.Int("freed", freed))
			}
		case <-r.stopper.ShouldStop():
			r.logger.Debug("trim worker stopped")
			return
		}
	}
}

// notifyGC wakes the worker for a pressure check. It runs on the finalizer
// goroutine and must not block.
func (r *Registry) notifyGC() bool {
	if r.closed.Load() {
		return false
	}
	select {
	case r.pressure <- struct{}{}:
	default:
	}
	return true
}

// gcSentinel is an object that is never reachable. Its finalizer runs once per
// garbage collection cycle and re-arms itself until the registry closes.
type gcSentinel struct {
	r *Registry
}

func armGCNotifier(r *Registry) {
	runtime.SetFinalizer(&gcSentinel{r: r}, (*gcSentinel).fire)
}

func (s *gcSentinel) fire() {
	if s.r.notifyGC() {
		runtime.SetFinalizer(s, (*gcSentinel).fire)
	}
}
