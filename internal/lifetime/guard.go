// Package lifetime coordinates ownership of memory shared between a buffer's
// owner and any number of borrowers (pins, views).
//
// A Guard releases its memory exactly once, and only when both hold: the owner
// has disposed it and every borrowed reference has been given back. If the
// owner never disposes, the finalization path releases it and reports a leak.
package lifetime

import (
	"fmt"
	"sync/atomic"

	"github.com/SixLabors/ImageSharp-sub032/internal/diag"
)

type phase uint64

const (
	phaseActive phase = iota
	phaseDisposeRequested
	phaseReleased

	phaseMask = 3
	refShift  = 2
	refOne    = 1 << refShift
)

func (p phase) String() string {
	switch p {
	case phaseActive:
		return "active"
	case phaseDisposeRequested:
		return "disposeRequested"
	case phaseReleased:
		return "released"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// Guard is a reference-counted release coordinator.
//
// Its whole state lives in one word, refs<<2 | phase, and every transition is a
// single compare-and-swap, so Release cannot fire twice under any interleaving
// of Dispose, AddRef, ReleaseRef and Finalize.
type Guard struct {
	state   atomic.Uint64
	release func(leaked bool)
	rec     *diag.Record
}

// New returns an active guard with no borrowed references.
// release runs exactly once, with leaked set when it was triggered by Finalize.
func New(release func(leaked bool)) *Guard {
	return &Guard{release: release, rec: diag.Track()}
}

func (g *Guard) load() (refs uint64, p phase, word uint64) {
	word = g.state.Load()
	return word >> refShift, phase(word & phaseMask), word
}

// AddRef borrows a reference. It returns false, and borrows nothing, once the
// guard has been released. Borrowing after Dispose is allowed as long as the
// release has not fired yet.
func (g *Guard) AddRef() bool {
	for {
		_, p, word := g.load()
		if p == phaseReleased {
			return false
		}
		if g.state.CompareAndSwap(word, word+refOne) {
			return true
		}
	}
}

// ReleaseRef gives back a borrowed reference. Dropping the last reference of a
// disposed guard releases it. Calls without a matching AddRef are ignored.
func (g *Guard) ReleaseRef() {
	for {
		refs, p, word := g.load()
		if p == phaseReleased || refs == 0 {
			return
		}
		next := word - refOne
		if refs == 1 && p == phaseDisposeRequested {
			next = uint64(phaseReleased)
		}
		if g.state.CompareAndSwap(word, next) {
			if phase(next) == phaseReleased {
				g.fire(false)
			}
			return
		}
	}
}

// Dispose requests release by the owner. It is idempotent. Without borrowed
// references the guard is released immediately.
func (g *Guard) Dispose() {
	for {
		refs, p, word := g.load()
		if p != phaseActive {
			return
		}
		next := word | uint64(phaseDisposeRequested)
		if refs == 0 {
			next = uint64(phaseReleased)
		}
		if g.state.CompareAndSwap(word, next) {
			if phase(next) == phaseReleased {
				g.fire(false)
			}
			return
		}
	}
}

// Finalize is the safety net for owners that were dropped without Dispose.
// It is meant to be attached with runtime.AddCleanup to the owning object, and
// releases the guard regardless of outstanding references.
func (g *Guard) Finalize() {
	for {
		_, p, word := g.load()
		if p == phaseReleased {
			return
		}
		if g.state.CompareAndSwap(word, uint64(phaseReleased)) {
			g.fire(true)
			return
		}
	}
}

func (g *Guard) fire(leaked bool) {
	g.rec.Done(leaked)
	if g.release != nil {
		g.release(leaked)
	}
}

// Released reports whether the release has fired.
func (g *Guard) Released() bool {
	_, p, _ := g.load()
	return p == phaseReleased
}

// Disposed reports whether the owner has requested release.
func (g *Guard) Disposed() bool {
	_, p, _ := g.load()
	return p != phaseActive
}

// Refs returns the number of borrowed references.
func (g *Guard) Refs() int64 {
	refs, _, _ := g.load()
	return int64(refs)
}

func (g *Guard) String() string {
	refs, p, _ := g.load()
	return fmt.Sprintf("guard{refs: %d, phase: %s}", refs, p)
}
