// ABOUTME: Growable, doubling-growth append-only buffer of event slots
// ABOUTME: Used in pairs by the broker as the double-buffered deferred queue

// Package queue implements the bounded/growable event slot buffer the event
// broker uses as its available/processing double buffer. A Queue only ever
// holds plain event data (event.Kind, event.ClassRef, event.ObjectIdentity);
// it performs no allocation beyond growing its own backing array, so pushing
// to it is legal from a hot path that must not otherwise allocate.
package queue

import "github.com/prateek/allocwatch/event"

// DefaultMaxSlots bounds queue growth so a misbehaving or overwhelmed hot
// path cannot grow the buffer without limit. It is large enough that a
// real drain cadence never comes close to it in practice.
const DefaultMaxSlots = 1 << 20

// Queue is a contiguous, growable array of event slots. It is not
// goroutine-safe on its own; the broker is responsible for serializing
// access to the buffer currently accepting writes.
type Queue struct {
	slots    []event.Event
	length   int
	maxSlots int
}

// New creates an empty Queue with the given initial capacity. maxSlots
// bounds how large the backing array may grow; pass 0 to use
// DefaultMaxSlots.
func New(initialCap, maxSlots int) *Queue {
	if maxSlots <= 0 {
		maxSlots = DefaultMaxSlots
	}
	if initialCap > maxSlots {
		initialCap = maxSlots
	}
	return &Queue{
		slots:    make([]event.Event, initialCap),
		maxSlots: maxSlots,
	}
}

// Push returns a pointer to the next writable slot, growing the backing
// array (by doubling) if needed. It returns ok=false, without writing
// anything, once the queue has reached its configured maximum capacity;
// the caller must treat that as a dropped event.
func (q *Queue) Push() (slot *event.Event, ok bool) {
	if q.length == len(q.slots) {
		if !q.grow() {
			return nil, false
		}
	}
	slot = &q.slots[q.length]
	q.length++
	return slot, true
}

// grow doubles the backing array's capacity, capped at maxSlots. It
// reports whether there is now room for at least one more slot.
func (q *Queue) grow() bool {
	cur := len(q.slots)
	if cur >= q.maxSlots {
		return false
	}
	next := cur * 2
	if next == 0 {
		next = 1
	}
	if next > q.maxSlots || next < cur {
		// next < cur catches the overflow-on-doubling case.
		next = q.maxSlots
	}
	grown := make([]event.Event, next)
	copy(grown, q.slots[:q.length])
	q.slots = grown
	return len(q.slots) > q.length
}

// Len returns the number of slots written since the last Clear.
func (q *Queue) Len() int {
	return q.length
}

// At returns a pointer to the i'th written slot. It panics if i is out of
// range, matching slice semantics.
func (q *Queue) At(i int) *event.Event {
	return &q.slots[:q.length][i]
}

// Clear resets the queue's length to zero without shrinking its backing
// array, so subsequent pushes reuse the already-grown capacity. Callers
// must have already neutralized (event.Event.Reset) any slot holding a
// managed reference before calling Clear.
func (q *Queue) Clear() {
	q.length = 0
}

// Cap reports the current backing array capacity, for diagnostics.
func (q *Queue) Cap() int {
	return len(q.slots)
}
