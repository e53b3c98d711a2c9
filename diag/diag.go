// ABOUTME: Diagnostics sink interface and zap-backed default implementation
// ABOUTME: Reports dropped events and captured user-callback errors without aborting a drain

// Package diag provides the diagnostic sink the broker reports through: a
// notification for each dropped event and a channel for user-callback
// panics that must never escape a drain.
package diag

import (
	"go.uber.org/zap"
)

// Sink receives diagnostics the core is not allowed to raise as Go errors
// from a hot path or from the middle of a drain.
type Sink interface {
	// EventDropped is reported when the deferred queue could not accept a
	// new slot because it has reached its configured maximum capacity.
	EventDropped()
	// CallbackPanic is reported when a handler or user callback invoked
	// during a drain panicked; the drain continues regardless.
	CallbackPanic(class string, kind string, recovered interface{})
}

// ZapSink is the default Sink, logging through a *zap.Logger with
// structured fields rather than formatted strings.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink wraps log as a Sink. A nil log uses zap.NewNop, so a ZapSink
// is always safe to construct and use.
func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

// EventDropped implements Sink.
func (s *ZapSink) EventDropped() {
	s.log.Warn("allocwatch: event dropped, deferred queue at capacity")
}

// CallbackPanic implements Sink.
func (s *ZapSink) CallbackPanic(class string, kind string, recovered interface{}) {
	s.log.Error("allocwatch: user callback failed",
		zap.String("class", class),
		zap.String("kind", kind),
		zap.Any("recovered", recovered),
	)
}

// NopSink discards every diagnostic. Useful in tests that only care about
// counters surfaced elsewhere.
type NopSink struct{}

// EventDropped implements Sink.
func (NopSink) EventDropped() {}

// CallbackPanic implements Sink.
func (NopSink) CallbackPanic(string, string, interface{}) {}
