package memory

import (
	"strings"

	"github.com/SixLabors/ImageSharp-sub032/internal/pool"
	"go.uber.org/zap"
)

// AllocationOptions are bit flags controlling a single allocation.
type AllocationOptions uint8

const (
	// None returns memory with unspecified contents.
	None AllocationOptions = 0
	// Clean returns zeroed memory.
	Clean AllocationOptions = 1
	// Contiguous makes a group allocation a single segment.
	Contiguous AllocationOptions = 2
)

// Has reports whether every flag in f is set.
func (o AllocationOptions) Has(f AllocationOptions) bool {
	return o&f == f
}

func (o AllocationOptions) String() string {
	if o == None {
		return "None"
	}
	var parts []string
	if o.Has(Clean) {
		parts = append(parts, "Clean")
	}
	if o.Has(Contiguous) {
		parts = append(parts, "Contiguous")
	}
	return strings.Join(parts, "|")
}

// Option configures the collaborators of an Allocator.
type Option func(*Allocator)

// WithLogger sets the allocator logger. Pool events are logged through a named
// child of it.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithRegistry sets the registry whose worker trims the allocator's pool.
// Defaults to pool.DefaultRegistry().
func WithRegistry(r *pool.Registry) Option {
	return func(a *Allocator) {
		a.registry = r
	}
}

// WithMonitor replaces the memory pressure source of the allocator's pool.
func WithMonitor(m pool.Monitor) Option {
	return func(a *Allocator) {
		a.monitor = m
	}
}
