// ABOUTME: Tests for the NEW/FREE handling algorithms: duplicate-NEW no-op,
// ABOUTME: pre-tracking-FREE ignore, the re-entrancy guard, and state threading

package capture

import (
	"testing"

	"github.com/prateek/allocwatch/backtrace"
	"github.com/prateek/allocwatch/calltree"
	"github.com/prateek/allocwatch/event"
)

func TestDuplicateNewIsNoop(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Enqueue(event.KindNew, widget, 1) // duplicate identity
	b.Drain()

	if got := c.AllocationsFor(widget).New; got != 1 {
		t.Errorf("New = %d, want 1 (duplicate NEW ignored)", got)
	}
}

func TestPreTrackingFreeIsIgnored(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)

	// FREE for an identity whose NEW was never observed.
	b.Enqueue(event.KindFree, widget, 999)
	b.Drain()

	allocs := c.AllocationsFor(widget)
	if allocs.Free != 0 {
		t.Errorf("Free = %d, want 0 (pre-tracking FREE ignored)", allocs.Free)
	}
	if allocs.Retained() != 0 {
		t.Errorf("Retained() = %d, want 0 (never negative)", allocs.Retained())
	}
}

func TestUntrackedMidLifetimeFreeIsIgnored(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)
	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	c.Untrack(widget) // purges the table entry for identity 1

	c.Track(widget, nil, nil) // re-subscribe, fresh counters
	b.Enqueue(event.KindFree, widget, 1)
	b.Drain()

	if got := c.AllocationsFor(widget).Free; got != 0 {
		t.Errorf("Free = %d, want 0 (identity purged by Untrack, FREE now pre-tracking)", got)
	}
}

func TestCallbackReceivesStateFromNewAtFree(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	var gotPrior State
	cb := func(class event.ClassRef, kind event.Kind, prior State) State {
		if kind == event.KindNew {
			return "my-state"
		}
		gotPrior = prior
		return nil
	}
	c.Track(widget, cb, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()
	b.Enqueue(event.KindFree, widget, 1)
	b.Drain()

	if gotPrior != "my-state" {
		t.Errorf("FREE callback prior = %v, want %q", gotPrior, "my-state")
	}
}

func TestReentrantCallbackIsBounded(t *testing.T) {
	b := newTestBroker(t)
	c := New(b, WithCapturer(&fakeCapturer{}))
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	callbackRuns := 0
	var cb Callback
	cb = func(class event.ClassRef, kind event.Kind, prior State) State {
		callbackRuns++
		// Simulate the callback itself causing another allocation of the
		// same class, observed synchronously via a direct HandleEvent
		// call (as if re-entering through the same drain).
		c.HandleEvent(event.Event{Kind: event.KindNew, Class: widget, Identity: 2})
		return nil
	}
	c.Track(widget, cb, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	if callbackRuns != 1 {
		t.Errorf("callback ran %d times, want 1 (re-entrant NEW must not invoke callback again)", callbackRuns)
	}
	// The re-entrant NEW must still be counted and tracked even though it
	// didn't get to run a callback.
	if got := c.AllocationsFor(widget).New; got != 2 {
		t.Errorf("New = %d, want 2 (re-entrant NEW still counted)", got)
	}
}

func TestGuardRestoredAfterCallbackPanic(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, func(class event.ClassRef, kind event.Kind, prior State) State {
		panic("callback exploded")
	}, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Drain() // broker recovers the panic; must not leave c.enabled stuck false

	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()
	if !enabled {
		t.Fatal("enabled guard left false after callback panic")
	}

	// Confirm the guard restoration actually took effect: a second,
	// non-panicking NEW on a freshly tracked class must still run its
	// callback.
	ran := false
	gadget := fakeClass("Gadget")
	c.Track(gadget, func(class event.ClassRef, kind event.Kind, prior State) State {
		ran = true
		return nil
	}, nil)
	b.Enqueue(event.KindNew, gadget, 2)
	b.Drain()
	if !ran {
		t.Error("callback on a later event did not run; guard not restored")
	}
}

func TestCallTreeRecordsStackOnNew(t *testing.T) {
	b := newTestBroker(t)
	tree := calltree.New()
	c := New(b, WithCapturer(&fakeCapturer{frames: []calltree.Frame{{File: "f.go", Line: 1, Func: "alloc"}}}))
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, tree)

	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	if tree.TotalAllocations() != 1 {
		t.Errorf("tree.TotalAllocations() = %d, want 1", tree.TotalAllocations())
	}

	b.Enqueue(event.KindFree, widget, 1)
	b.Drain()

	if tree.RetainedAllocations() != 0 {
		t.Errorf("tree.RetainedAllocations() = %d after free, want 0", tree.RetainedAllocations())
	}
	if tree.TotalAllocations() != 1 {
		t.Errorf("tree.TotalAllocations() = %d after free, want unchanged 1", tree.TotalAllocations())
	}
}

type fakeCapturer struct {
	frames []calltree.Frame
}

func (f *fakeCapturer) Capture(skip int) []calltree.Frame {
	return f.frames
}

var _ backtrace.Capturer = &fakeCapturer{}
