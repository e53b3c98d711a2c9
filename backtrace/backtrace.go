// ABOUTME: Capturer interface and a runtime.Callers-based implementation for walking the Go call stack
// ABOUTME: The documented extension point for a host runtime that already knows the stack at allocation time

// Package backtrace captures the call stack at an allocation site as a
// slice of calltree.Frame. The core only depends on the narrow Capturer
// interface; RuntimeCapturer is the only implementation this module
// ships, since the host-runtime binding that would let a non-Go runtime
// supply its own stack is out of scope (see spec's Non-goals).
package backtrace

import (
	"runtime"

	"github.com/prateek/allocwatch/calltree"
)

// Capturer captures a call stack for attribution by the call tree. skip is
// the number of innermost frames to omit beyond the capturer's own frames
// (for example the allocation hook boundary): with skip 0 the stack starts
// at the caller of Capture.
type Capturer interface {
	Capture(skip int) []calltree.Frame
}

// RuntimeCapturer captures the calling goroutine's stack with
// runtime.Callers and runtime.CallersFrames, the same approach used
// elsewhere in the Go ecosystem for in-process leak/allocation tracking
// (e.g. vitess's off-heap allocation tracker walks runtime.CallersFrames
// the same way to render a stack for its leak reports).
type RuntimeCapturer struct {
	// MaxDepth bounds how many frames are captured. Zero means
	// DefaultMaxDepth.
	MaxDepth int
}

// DefaultMaxDepth is used when a RuntimeCapturer's MaxDepth is unset.
const DefaultMaxDepth = 32

// NewRuntimeCapturer constructs a RuntimeCapturer with the given max depth,
// or DefaultMaxDepth if maxDepth <= 0.
func NewRuntimeCapturer(maxDepth int) *RuntimeCapturer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &RuntimeCapturer{MaxDepth: maxDepth}
}

// Capture implements Capturer.
func (c *RuntimeCapturer) Capture(skip int) []calltree.Frame {
	depth := c.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+2, pcs) // +2: runtime.Callers itself and this method
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]calltree.Frame, 0, n)
	for {
		frame, more := frames.Next()
		out = append(out, calltree.Frame{
			File: frame.File,
			Line: frame.Line,
			Func: frame.Function,
		})
		if !more {
			break
		}
	}
	return out
}
