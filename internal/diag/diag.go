// Package diag keeps process-wide allocation diagnostics: a counter of live
// allocations, leak notifications carrying the allocation stack, and an opt-in
// table of live allocations grouped by call site.
//
// Nothing in this package blocks or panics on the allocation path.
package diag

import (
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/fagongzi/util/hack"
)

var (
	outstanding  atomic.Int64
	siteTracking atomic.Bool
)

// Outstanding returns the number of allocations that have not been released.
func Outstanding() int64 {
	return outstanding.Load()
}

// EnableSiteTracking turns the live allocation-site table on or off.
// Allocations made while it is off are never added to the table.
func EnableSiteTracking(enabled bool) {
	siteTracking.Store(enabled)
}

// SiteTrackingEnabled reports whether allocation sites are being recorded.
func SiteTrackingEnabled() bool {
	return siteTracking.Load()
}

// Record is the diagnostic footprint of one live allocation.
type Record struct {
	stack string
	site  uint64
}

// Track registers a new live allocation. The stack is captured only when
// somebody can observe it: a leak subscriber or the site table.
func Track() *Record {
	outstanding.Add(1)
	tracking := siteTracking.Load()
	if !tracking && !dispatch.hasSubscribers() {
		return nil
	}
	r := &Record{stack: captureStack()}
	if tracking {
		r.site = sites.add(r.stack)
	}
	return r
}

// Stack returns the captured allocation stack, if any.
func (r *Record) Stack() string {
	if r == nil {
		return ""
	}
	return r.stack
}

// Done marks the allocation released. A leaked allocation is reported to the
// subscribers with the stack captured by Track.
func (r *Record) Done(leaked bool) {
	outstanding.Add(-1)
	if r != nil && r.site != 0 {
		sites.remove(r.site)
	}
	if leaked {
		dispatch.notify(r.Stack())
	}
}

// maxStackDepth bounds the number of frames recorded per allocation.
const maxStackDepth = 64

// captureStack formats the caller's stack as function and file:line pairs.
// Argument values are left out so that allocations made from the same place
// produce the same text.
func captureStack() string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	buf := make([]byte, 0, 1024)
	for {
		f, more := frames.Next()
		buf = append(buf, f.Function...)
		buf = append(buf, "\n\t"...)
		buf = append(buf, f.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(f.Line), 10)
		buf = append(buf, '\n')
		if !more {
			break
		}
	}
	return hack.SliceToString(buf)
}
