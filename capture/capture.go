// ABOUTME: Capture: per-capture live-object table, per-class counters, lifecycle, and user callbacks
// ABOUTME: Implements the NEW/FREE handling algorithms exactly as driven by the event broker's drain

// Package capture implements the per-capture bookkeeping a caller uses to
// track a set of classes: the live-object table mapping identity to
// (class, user state), per-class new/free/retained counters, and the
// lifecycle (start/stop/track/untrack/clear) that drives them. A Capture
// implements broker.Handler and is registered with exactly one
// *broker.Broker; multiple Captures may share a broker and will each
// observe every event independently, with their own tables and counters.
package capture

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/prateek/allocwatch/backtrace"
	"github.com/prateek/allocwatch/broker"
	"github.com/prateek/allocwatch/calltree"
	"github.com/prateek/allocwatch/event"
)

// State is arbitrary data returned by a NEW callback and handed back to
// the matching FREE callback.
type State interface{}

// Callback is invoked for every NEW and FREE of a tracked class, outside
// the hot path, during a drain. For kind == event.KindNew, prior is nil and
// the returned State is stored against the object's identity. For
// kind == event.KindFree, prior is the state stored at NEW and the return
// value is ignored. Callback must not block; it may allocate freely — the
// capture's re-entrancy guard protects against unbounded recursion if the
// allocation it causes is itself observed before Callback returns.
type Callback func(class event.ClassRef, kind event.Kind, prior State) State

// Allocations is the per-class {new, free, retained} triple. Retained is
// derived, never stored: New - Free.
type Allocations struct {
	New uint64
	Free uint64
}

// Retained returns New - Free.
func (a Allocations) Retained() uint64 {
	return a.New - a.Free
}

type classState struct {
	newCount      atomic.Uint64
	freeCount     atomic.Uint64
	callback      Callback
	tree          *calltree.Tree
	explicit      bool // set by Track; false for classes only counted under WithAllClasses
}

func (s *classState) snapshot() Allocations {
	return Allocations{New: s.newCount.Load(), Free: s.freeCount.Load()}
}

type tableEntry struct {
	class event.ClassRef
	state State
	leaf  *calltree.Leaf
}

// Option configures a Capture at construction time.
type Option func(*Capture)

// WithAllClasses subscribes the capture to every class, rather than only
// classes explicitly added with Track. Per-class callbacks and call trees
// can still be attached with Track; a class observed before any Track call
// is counted but invokes no callback and records no stack.
func WithAllClasses() Option {
	return func(c *Capture) { c.all = true }
}

// WithCapturer overrides the stack capturer used when a Track call binds a
// call tree. The default is backtrace.NewRuntimeCapturer(0).
func WithCapturer(cap backtrace.Capturer) Option {
	return func(c *Capture) { c.capturer = cap }
}

// WithStackSkip sets how many innermost frames the stack capturer omits,
// to skip over the capture's own call frames and the allocation hook
// boundary. Default 0.
func WithStackSkip(skip int) Option {
	return func(c *Capture) { c.stackSkip = skip }
}

// Capture is one independent view onto a broker's event stream: its own
// subscribed class set, counters, live-object table, and call trees.
type Capture struct {
	mu sync.RWMutex

	broker *broker.Broker

	running bool
	enabled bool // false while inside a callback invocation on this capture
	all     bool

	classes map[event.ClassRef]*classState
	table   map[event.ObjectIdentity]*tableEntry

	capturer  backtrace.Capturer
	stackSkip int
}

// New constructs a stopped Capture bound to b. Call Start to begin
// receiving events.
func New(b *broker.Broker, opts ...Option) *Capture {
	c := &Capture{
		broker:   b,
		enabled:  true,
		classes:  make(map[event.ClassRef]*classState),
		table:    make(map[event.ObjectIdentity]*tableEntry),
		capturer: backtrace.NewRuntimeCapturer(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers the capture with its broker. It returns false (and
// changes nothing) if the capture is already running.
func (c *Capture) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.broker.Register(c)
	return true
}

// Stop requests a full drain of the broker's pending events — so every
// event enqueued before Stop was called is reflected in this capture's
// counters before Stop returns — then unregisters the capture. It returns
// false (and changes nothing) if the capture is not running.
func (c *Capture) Stop() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return false
	}

	c.broker.ProcessAll()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.running = false
	c.broker.Unregister(c)
	return true
}

// Running reports whether the capture is currently registered with its
// broker.
func (c *Capture) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Track adds class to the subscribed set (a no-op under WithAllClasses,
// where every class is already subscribed) and replaces any existing
// callback and call tree for it. Passing a nil tree leaves per-stack
// attribution disabled for this class. If class was previously tracked
// and then Untrack-ed, its prior counters are gone — Track starts it fresh
// at zero, consistent with Untrack's zeroing contract.
func (c *Capture) Track(class event.ClassRef, cb Callback, tree *calltree.Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.classes[class]
	if !ok {
		cs = &classState{}
		c.classes[class] = cs
	}
	cs.callback = cb
	cs.tree = tree
	cs.explicit = true
}

// Untrack removes class from the subscribed set, zeroes its counters, and
// removes its entries from the live-object table. A no-op if class was
// never tracked.
func (c *Capture) Untrack(class event.ClassRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[class]; !ok {
		return
	}
	delete(c.classes, class)
	for id, e := range c.table {
		if e.class == class {
			delete(c.table, id)
		}
	}
}

// Tracking reports whether class currently has an explicit subscription
// (via Track). Under WithAllClasses this only reflects classes that have
// been explicitly Track-ed, not every class the all-classes mode silently
// counts.
func (c *Capture) Tracking(class event.ClassRef) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.classes[class]
	return ok && cs.explicit
}

// CountFor returns the retained (live) count for class, or 0 if class is
// not currently subscribed and has never been observed.
func (c *Capture) CountFor(class event.ClassRef) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.classes[class]
	if !ok {
		return 0
	}
	return cs.snapshot().Retained()
}

// AllocationsFor returns the full {new, free, retained} triple for class.
func (c *Capture) AllocationsFor(class event.ClassRef) Allocations {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.classes[class]
	if !ok {
		return Allocations{}
	}
	return cs.snapshot()
}

// Clear resets every counter and the live-object table, and clears any
// bound call trees. Subscriptions and callbacks are preserved. Safe to
// call while running.
func (c *Capture) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.classes {
		cs.newCount.Store(0)
		cs.freeCount.Store(0)
		if cs.tree != nil {
			cs.tree.Clear()
		}
	}
	c.table = make(map[event.ObjectIdentity]*tableEntry)
}

// EachTracked iterates over every live entry for class: identities whose
// NEW has been observed and whose FREE has not yet been drained. fn must
// not call back into the capture.
func (c *Capture) EachTracked(class event.ClassRef, fn func(identity event.ObjectIdentity, state State)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, e := range c.table {
		if e.class == class {
			fn(id, e.state)
		}
	}
}
