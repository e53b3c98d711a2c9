// ABOUTME: Double-buffered event broker: hot-path enqueue, safe-context drain, fan-out dispatch
// ABOUTME: Turns an unsafe allocation/free callback context into ordered, at-most-once-per-event delivery

// Package broker implements the deferred-work pipeline every allocation or
// free notification passes through before it reaches a capture. Enqueue is
// the only method legal to call from the runtime's allocation/free hook: it
// allocates only to grow its queue, never blocks, and never re-enters user
// code. Drain is
// the only place user callbacks ever run.
//
// A Broker is constructed once, at process start, and passed by reference
// into every capture that wants to observe events — it is not a language
// level global, per the "globals re-architecture" design note in the
// originating specification: the one-deferred-work-slot constraint of the
// host runtime is modeled here as a single *Broker value, not an ambient
// package-level singleton.
package broker

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/prateek/allocwatch/diag"
	"github.com/prateek/allocwatch/event"
	"github.com/prateek/allocwatch/queue"
)

// ErrBrokerInit's message is the context New wraps around a failure to
// register the broker's deferred-work slot with the host runtime at
// construction time. Per the specification this is
// the one init-time condition fatal enough to fail New outright rather than
// being logged and tolerated.
var ErrBrokerInit = errors.New("broker: failed to register deferred-work slot")

// ErrRecursiveProcessAll is the panic value used by ProcessAll when called
// recursively from within a drain it is itself waiting on.
var ErrRecursiveProcessAll = errors.New("broker: ProcessAll called recursively from within a drain")

// Handler is implemented by anything that wants to observe events during a
// drain — in practice, a *capture.Capture. HandleEvent is only ever called
// from within Drain, on whichever goroutine calls Drain.
type Handler interface {
	HandleEvent(ev event.Event)
}

// PendingFunc is invoked after Enqueue successfully appends an event, so a
// host runtime binding (out of scope here) can schedule a Drain at its next
// safe point. It must not allocate or block; a nil PendingFunc is a no-op.
type PendingFunc func()

// Stats is a point-in-time snapshot of broker health, suitable for logging
// or exporting through whatever metrics system the host process already
// uses.
type Stats struct {
	Dropped         uint64
	CallbackPanics  uint64
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithQueueCapacity sets the initial and maximum capacity of each of the
// two internal queues. The default is queue.DefaultMaxSlots for the
// maximum and 256 for the initial capacity.
func WithQueueCapacity(initial, max int) Option {
	return func(b *Broker) {
		b.initialCap = initial
		b.maxCap = max
	}
}

// WithPendingFunc registers a callback invoked after every successful
// Enqueue, so a host runtime can request a drain at its next safe point.
func WithPendingFunc(fn PendingFunc) Option {
	return func(b *Broker) { b.pending = fn }
}

// WithSink overrides the diagnostics sink. The default discards everything.
func WithSink(sink diag.Sink) Option {
	return func(b *Broker) { b.sink = sink }
}

// WithDeferredWorkRegistration supplies the call that registers this
// broker's single deferred-work slot with the host runtime. The host
// runtime binding itself is out of scope for this module, but the
// registration step is still on the core's critical init path: per the
// specification, failure to register it is the one condition fatal enough
// to surface from New instead of being dropped or logged.
func WithDeferredWorkRegistration(register func() error) Option {
	return func(b *Broker) { b.registerDeferredWork = register }
}

// Broker is the single ingress point for allocation/free notifications. Its
// zero value is not usable; construct one with New.
type Broker struct {
	// bufMu guards which of buf0/buf1 is "available" (accepting writes
	// from Enqueue) versus "processing" (being drained). It is held only
	// for the duration of a pointer swap or a single Push, never across a
	// user callback.
	bufMu      sync.Mutex
	available  *queue.Queue
	processing *queue.Queue

	draining atomic.Bool

	handlersMu sync.RWMutex
	handlers   []Handler

	dropped        atomic.Uint64
	callbackPanics atomic.Uint64

	sink    diag.Sink
	pending PendingFunc

	registerDeferredWork func() error

	initialCap int
	maxCap     int
}

// New constructs a Broker with two empty queues and no registered handlers.
// If a WithDeferredWorkRegistration option was supplied and the registration
// call it wraps returns an error, New returns that error wrapped with
// ErrBrokerInit's message (errors.Cause yields the registration error; the
// result is not ErrBrokerInit itself) and a nil *Broker — this is the only
// fatal construction-time failure the package defines.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		initialCap: 256,
		sink:       diag.NopSink{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.available = queue.New(b.initialCap, b.maxCap)
	b.processing = queue.New(b.initialCap, b.maxCap)

	if b.registerDeferredWork != nil {
		if err := b.registerDeferredWork(); err != nil {
			return nil, errors.Wrap(err, ErrBrokerInit.Error())
		}
	}
	return b, nil
}

// Register adds a handler that will receive every future dispatched event.
// Safe to call while the broker is draining.
func (b *Broker) Register(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a previously registered handler. A no-op if h was
// never registered.
func (b *Broker) Unregister(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	for i, existing := range b.handlers {
		if existing == h {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Enqueue is the hot-path entry point. It must be called only from the
// thread performing the allocation or free it describes. It has no
// re-entrancy restriction: an allocation made by a user callback during a
// drain is appended to the available buffer, which is not the one being
// drained, and is delivered by the next Drain.
//
// On success it invokes the configured PendingFunc (if any) and returns
// true. On overflow — the available queue has reached its configured
// maximum capacity — it drops the event, increments the drop counter, and
// returns false. Enqueue never allocates beyond what growing the queue's
// backing array requires, and never runs user code.
func (b *Broker) Enqueue(kind event.Kind, class event.ClassRef, identity event.ObjectIdentity) bool {
	b.bufMu.Lock()
	slot, ok := b.available.Push()
	if ok {
		slot.Kind = kind
		slot.Class = class
		slot.Identity = identity
	}
	b.bufMu.Unlock()

	if !ok {
		b.dropped.Inc()
		b.sink.EventDropped()
		return false
	}
	if b.pending != nil {
		b.pending()
	}
	return true
}

// Drain delivers every event enqueued since the last Drain to every
// registered handler, in enqueue order, then tombstones and clears the
// processed slots. A drain already in progress makes a re-entrant Drain
// call (e.g. a user callback that triggers a nested drain request) a
// no-op: the outer drain's swapped snapshot already covers everything
// that matters, and anything enqueued during the callback lands in the
// (now-available) other buffer for the next Drain to pick up.
func (b *Broker) Drain() {
	if !b.draining.CompareAndSwap(false, true) {
		return
	}
	defer b.draining.Store(false)

	b.bufMu.Lock()
	b.available, b.processing = b.processing, b.available
	b.bufMu.Unlock()

	b.handlersMu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.handlersMu.RUnlock()

	n := b.processing.Len()
	for i := 0; i < n; i++ {
		slot := b.processing.At(i)
		if slot.Kind == event.KindNone {
			continue
		}
		ev := *slot
		for _, h := range handlers {
			b.dispatch(h, ev)
		}
		slot.Reset()
	}
	b.processing.Clear()
}

// ProcessAll is the public, blocking "drain everything now" entry point
// used by capture.Capture.Stop and any other caller that needs every
// already-enqueued event reflected before it proceeds. Unlike Drain, which
// treats re-entrant calls as a harmless no-op (the ordinary case of a
// runtime-triggered drain nesting with itself), ProcessAll treats being
// called while a drain is already in progress as programmer error: the
// only realistic way to hit that under this package's single-drainer-at-a-
// time model is a user callback calling back into ProcessAll, whose Drain
// would be a no-op under the draining guard and so would return before the
// events it waits on are processed. It panics rather than silently doing
// the wrong thing, and dispatch lets that panic propagate out of the drain.
func (b *Broker) ProcessAll() {
	if b.draining.Load() {
		panic(ErrRecursiveProcessAll)
	}
	b.Drain()
}

// dispatch calls a single handler for a single event, recovering from any
// panic so one misbehaving capture never aborts the drain for the rest. The
// one exception is ErrRecursiveProcessAll, a programmer error that is
// re-raised so it fails loudly instead of being counted as a callback panic.
func (b *Broker) dispatch(h Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			if r == ErrRecursiveProcessAll {
				panic(r)
			}
			b.callbackPanics.Inc()
			className := ""
			if ev.Class != nil {
				className = ev.Class.ClassName()
			}
			b.sink.CallbackPanic(className, ev.Kind.String(), r)
		}
	}()
	h.HandleEvent(ev)
}

// Stats returns a snapshot of broker-level diagnostics.
func (b *Broker) Stats() Stats {
	return Stats{
		Dropped:        b.dropped.Load(),
		CallbackPanics: b.callbackPanics.Load(),
	}
}
