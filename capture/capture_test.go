// ABOUTME: Tests for Capture lifecycle, subscription, counters, and
// ABOUTME: two-captures-sharing-one-broker disjoint subscription scenario

package capture

import (
	"testing"

	"github.com/prateek/allocwatch/broker"
	"github.com/prateek/allocwatch/event"
)

type fakeClass string

func (f fakeClass) ClassName() string { return string(f) }

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b, err := broker.New()
	if err != nil {
		t.Fatalf("broker.New() error = %v", err)
	}
	return b
}

func TestStartStopLifecycle(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)

	if c.Running() {
		t.Fatal("Running() = true before Start")
	}
	if !c.Start() {
		t.Fatal("Start() = false on first call")
	}
	if c.Start() {
		t.Fatal("Start() = true on second call, want false (already running)")
	}
	if !c.Running() {
		t.Fatal("Running() = false after Start")
	}
	if !c.Stop() {
		t.Fatal("Stop() = false on first call")
	}
	if c.Stop() {
		t.Fatal("Stop() = true on second call, want false (already stopped)")
	}
}

func TestTrackAndCountFor(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Enqueue(event.KindNew, widget, 2)
	b.Enqueue(event.KindFree, widget, 1)
	b.Drain()

	if got := c.CountFor(widget); got != 1 {
		t.Errorf("CountFor(widget) = %d, want 1", got)
	}
	allocs := c.AllocationsFor(widget)
	if allocs.New != 2 || allocs.Free != 1 {
		t.Errorf("AllocationsFor = %+v, want New=2 Free=1", allocs)
	}
}

func TestUntrackZeroesCounters(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)
	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	c.Untrack(widget)
	if c.Tracking(widget) {
		t.Error("Tracking(widget) = true after Untrack")
	}
	if got := c.CountFor(widget); got != 0 {
		t.Errorf("CountFor(widget) = %d after Untrack, want 0", got)
	}
}

func TestClearResetsTableAndCounters(t *testing.T) {
	b := newTestBroker(t)
	c := New(b)
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	c.Track(widget, nil, nil)
	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	c.Clear()
	if got := c.CountFor(widget); got != 0 {
		t.Errorf("CountFor(widget) = %d after Clear, want 0", got)
	}
	seen := false
	c.EachTracked(widget, func(id event.ObjectIdentity, s State) { seen = true })
	if seen {
		t.Error("EachTracked found an entry after Clear")
	}
}

func TestTwoCapturesDisjointSubscriptions(t *testing.T) {
	b := newTestBroker(t)
	c1 := New(b)
	c2 := New(b)
	c1.Start()
	c2.Start()
	defer c1.Stop()
	defer c2.Stop()

	widget := fakeClass("Widget")
	gadget := fakeClass("Gadget")
	c1.Track(widget, nil, nil)
	c2.Track(gadget, nil, nil)

	b.Enqueue(event.KindNew, widget, 1)
	b.Enqueue(event.KindNew, gadget, 2)
	b.Drain()

	if got := c1.CountFor(widget); got != 1 {
		t.Errorf("c1.CountFor(widget) = %d, want 1", got)
	}
	if got := c1.CountFor(gadget); got != 0 {
		t.Errorf("c1.CountFor(gadget) = %d, want 0 (not subscribed on c1)", got)
	}
	if got := c2.CountFor(gadget); got != 1 {
		t.Errorf("c2.CountFor(gadget) = %d, want 1", got)
	}
	if got := c2.CountFor(widget); got != 0 {
		t.Errorf("c2.CountFor(widget) = %d, want 0 (not subscribed on c2)", got)
	}
}

func TestWithAllClassesCountsUntrackedClasses(t *testing.T) {
	b := newTestBroker(t)
	c := New(b, WithAllClasses())
	c.Start()
	defer c.Stop()

	widget := fakeClass("Widget")
	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()

	if got := c.CountFor(widget); got != 1 {
		t.Errorf("CountFor(widget) = %d, want 1 (counted under all-classes mode)", got)
	}
	if c.Tracking(widget) {
		t.Error("Tracking(widget) = true, want false (never explicitly Track-ed)")
	}
}

func TestStoppedCaptureIgnoresEvents(t *testing.T) {
	b := newTestBroker(t)
	c := New(b, WithAllClasses())
	widget := fakeClass("Widget")

	// Never started: HandleEvent would only run if registered, so this
	// also exercises that a never-Start-ed capture never observes events.
	b.Enqueue(event.KindNew, widget, 1)
	b.Drain()
	if got := c.CountFor(widget); got != 0 {
		t.Errorf("CountFor(widget) = %d on a never-started capture, want 0", got)
	}
}
