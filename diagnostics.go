package memory

import "github.com/SixLabors/ImageSharp-sub032/internal/diag"

// Site is a group of live allocations made from the same call stack.
type Site = diag.Site

// TotalUndisposedAllocations returns the number of buffers and groups,
// across all allocators, whose memory has not been released yet.
func TotalUndisposedAllocations() int64 {
	return diag.Outstanding()
}

// SubscribeUndisposed registers fn to be called with the allocation stack of
// every buffer that is collected without being closed. Stacks are captured
// only for allocations made while at least one subscriber exists; others are
// reported with an empty stack. fn runs on a dedicated goroutine, and a panic
// in fn is recovered.
func SubscribeUndisposed(fn func(stack string)) (unsubscribe func()) {
	return diag.Subscribe(fn)
}

// EnableSiteTracking turns the process-wide live allocation-site table on or
// off.
func EnableSiteTracking(enabled bool) {
	diag.EnableSiteTracking(enabled)
}

// LiveSites returns the live allocations recorded while site tracking was on,
// grouped by call stack, largest group first.
func LiveSites() []Site {
	return diag.LiveSites()
}
