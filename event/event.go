// ABOUTME: Core event and identity types shared by the queue, broker, and capture packages
// ABOUTME: Defines Kind, ObjectIdentity, and ClassRef, the opaque vocabulary of an allocation event

// Package event defines the vocabulary the rest of allocwatch is built on:
// the kind of a notification (birth, death, or tombstone), the stable
// identity a runtime assigns to an object, and the opaque handle a runtime
// uses to name a class.
package event

// Kind distinguishes the lifecycle notifications the core understands.
type Kind uint8

const (
	// KindNone is the tombstone value an event slot is reset to once a
	// drain has finished processing it. It must never be dispatched to a
	// handler; its only purpose is to neutralize managed references in a
	// reused slot before a concurrent collector pass can walk it.
	KindNone Kind = iota
	// KindNew reports an object's birth.
	KindNew
	// KindFree reports an object's death.
	KindFree
)

// String renders Kind for logs and test failure messages.
func (k Kind) String() string {
	switch k {
	case KindNew:
		return "NEW"
	case KindFree:
		return "FREE"
	default:
		return "NONE"
	}
}

// ObjectIdentity is an opaque, stable-for-lifetime integer a runtime assigns
// to an object. It must not move under compaction and must not be reused
// before the corresponding KindFree has been drained.
type ObjectIdentity uint64

// ClassRef is an opaque handle into the host runtime's class registry.
// Implementations must be comparable (a pointer or a small value type) so
// they can key a map; the core never inspects a ClassRef beyond comparing
// and naming it.
type ClassRef interface {
	// ClassName returns a stable, human-readable identifier for the class,
	// used only for diagnostics.
	ClassName() string
}

// Event is a single allocation/free notification as it travels through the
// deferred queue. NONE is used as a tombstone after processing.
type Event struct {
	Kind     Kind
	Class    ClassRef
	Identity ObjectIdentity
}

// Reset neutralizes an event slot in place: its Kind becomes KindNone and
// any managed reference (Class) is cleared so a collector pass concurrent
// with a drain never walks a stale reference into a reused or cleared slot.
func (e *Event) Reset() {
	e.Kind = KindNone
	e.Class = nil
	e.Identity = 0
}
