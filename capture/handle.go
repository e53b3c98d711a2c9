// ABOUTME: NEW/FREE event handling: the re-entrancy guard, table updates, and call-tree bookkeeping
// ABOUTME: Called only from broker.Drain, on whichever goroutine is draining

package capture

import "github.com/prateek/allocwatch/event"

// HandleEvent implements broker.Handler. It is only ever called from
// inside a Drain. If the user callback it invokes panics, the broker
// recovers it one frame up (in its dispatch wrapper); this method only
// needs to make sure the re-entrancy guard is restored before that
// happens, which it does with a defer around every callback invocation.
func (c *Capture) HandleEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindNew:
		c.handleNew(ev.Class, ev.Identity)
	case event.KindFree:
		c.handleFree(ev.Class, ev.Identity)
	}
}

func (c *Capture) isSubscribed(class event.ClassRef) (*classState, bool) {
	if cs, ok := c.classes[class]; ok {
		return cs, true
	}
	if c.all {
		cs := &classState{}
		c.classes[class] = cs
		return cs, true
	}
	return nil, false
}

// handleNew implements spec step 4.C "NEW handling".
func (c *Capture) handleNew(class event.ClassRef, id event.ObjectIdentity) {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return
	}
	cs, subscribed := c.isSubscribed(class)
	if !subscribed {
		c.mu.Unlock()
		return
	}

	if _, exists := c.table[id]; exists {
		// Spurious duplicate NEW for an identity we already hold: no-op.
		c.mu.Unlock()
		return
	}

	entry := &tableEntry{class: class}
	c.table[id] = entry
	cs.newCount.Inc()

	if cs.tree != nil {
		stack := c.capturer.Capture(c.stackSkip)
		entry.leaf = cs.tree.Record(stack)
	}

	runCallback := c.enabled && cs.callback != nil
	var cb Callback
	if runCallback {
		cb = cs.callback
		c.enabled = false
	}
	c.mu.Unlock()

	if !runCallback {
		return
	}
	defer func() {
		c.mu.Lock()
		c.enabled = true
		c.mu.Unlock()
	}()
	state := cb(class, event.KindNew, nil)

	c.mu.Lock()
	if e, ok := c.table[id]; ok {
		e.state = state
	}
	c.mu.Unlock()
}

// handleFree implements spec step 4.C "FREE handling".
func (c *Capture) handleFree(class event.ClassRef, id event.ObjectIdentity) {
	c.mu.Lock()

	entry, ok := c.table[id]
	if !ok {
		// Born before tracking started, or already removed: ignore
		// entirely, preserving retained_count >= 0.
		c.mu.Unlock()
		return
	}
	delete(c.table, id)

	cs, subscribed := c.classes[entry.class]
	if subscribed {
		cs.freeCount.Inc()
	}

	if entry.leaf != nil {
		entry.leaf.DecrementPath()
	}

	var runCallback bool
	var cb Callback
	var priorState State
	if subscribed && c.enabled && cs.callback != nil {
		runCallback = true
		cb = cs.callback
		priorState = entry.state
		c.enabled = false
	}
	c.mu.Unlock()

	if !runCallback {
		return
	}
	defer func() {
		c.mu.Lock()
		c.enabled = true
		c.mu.Unlock()
	}()
	cb(class, event.KindFree, priorState)
}
