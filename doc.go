// Package memory allocates large, reusable blocks of memory for pixel data.
//
// Small requests are served from a pool of garbage-collected arrays. Requests
// up to one pool block are served from a capacity bounded pool of equal-size
// blocks mapped outside the Go heap, and anything larger is split into a group
// of blocks addressed as one logical buffer.
//
// Every buffer must be closed. A buffer that becomes unreachable without
// Close still gives its memory back, and the leak is reported through
// SubscribeUndisposed.
//
//	a := memory.Default()
//	buf, err := memory.Allocate[uint32](a, 1920, memory.Clean)
//	if err != nil {
//		return err
//	}
//	defer buf.Close()
//	pixels := buf.Span()
package memory
