// ABOUTME: Tree: the prefix-compressed call tree itself, plus its path and hotspot queries
// ABOUTME: record/increment/decrement are O(stack depth); queries walk the whole tree once

package calltree

import (
	"sort"
	"sync"
)

// Metric selects which counter a query sorts and reports by.
type Metric int

const (
	// ByTotal sorts/reports by the total (churn) counter.
	ByTotal Metric = iota
	// ByRetained sorts/reports by the retained (live) counter.
	ByRetained
)

func (m Metric) valueOf(total, retained uint64) uint64 {
	if m == ByRetained {
		return retained
	}
	return total
}

// Path is one root-to-leaf path through the tree, with the root (which
// carries no location) dropped.
type Path struct {
	Frames   []Frame
	Total    uint64
	Retained uint64
}

// Hotspot is the counters for a single call site (LocationKey), summed
// across every tree node that shares it.
type Hotspot struct {
	Location Frame
	Total    uint64
	Retained uint64
}

// Tree is a prefix-compressed tree of allocation stacks. Its zero value is
// not usable; construct one with New. A Tree is safe for concurrent use.
type Tree struct {
	mu   sync.Mutex
	root *Node
}

// New creates an empty call tree with a single, location-less root.
func New() *Tree {
	return &Tree{root: newNode(nil, nil)}
}

// Record adds one observed stack to the tree, walking from the root and
// creating a child at each frame that has not been seen on this path
// before, then incrementing both counters from the new leaf up to the
// root. An empty stack is a no-op that returns nil: there is no leaf to
// hand back for a later DecrementPath.
func (t *Tree) Record(stack []Frame) *Leaf {
	if len(stack) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, frame := range stack {
		cur = cur.childOrCreate(frame)
	}
	cur.incrementPath()
	return &Leaf{tree: t, node: cur}
}

// TopPaths enumerates every root-to-leaf path in the tree, drops the root
// (which carries no location), and returns the limit highest-scoring paths
// by the requested metric, descending. Ties may come back in any order.
// limit <= 0 returns nil.
func (t *Tree) TopPaths(limit int, by Metric) []Path {
	if limit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var paths []Path
	var walk func(n *Node, prefix []Frame)
	walk = func(n *Node, prefix []Frame) {
		// n.directTotal > 0 means at least one recorded stack ends
		// exactly here, independent of whether a longer stack sharing
		// this prefix later gave n children too.
		if n.directTotal > 0 {
			frames := make([]Frame, len(prefix))
			copy(frames, prefix)
			paths = append(paths, Path{Frames: frames, Total: n.directTotal, Retained: n.directRetained})
		}
		for _, child := range n.children {
			walk(child, append(prefix, *child.location))
		}
	}
	walk(t.root, nil)

	sort.Slice(paths, func(i, j int) bool {
		return by.valueOf(paths[i].Total, paths[i].Retained) > by.valueOf(paths[j].Total, paths[j].Retained)
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// Hotspots sums every node's counters into a map keyed by LocationKey (so
// the same call site reached via different stacks is aggregated together),
// then returns the limit highest-scoring locations by the requested
// metric, descending. The root is excluded since it has no location.
// limit <= 0 returns nil.
func (t *Tree) Hotspots(limit int, by Metric) []Hotspot {
	if limit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byKey := make(map[string]*Hotspot)
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.location != nil {
			h, ok := byKey[n.location.LocationKey()]
			if !ok {
				h = &Hotspot{Location: *n.location}
				byKey[n.location.LocationKey()] = h
			}
			h.Total += n.total
			h.Retained += n.retained
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)

	hotspots := make([]Hotspot, 0, len(byKey))
	for _, h := range byKey {
		hotspots = append(hotspots, *h)
	}
	sort.Slice(hotspots, func(i, j int) bool {
		return by.valueOf(hotspots[i].Total, hotspots[i].Retained) > by.valueOf(hotspots[j].Total, hotspots[j].Retained)
	})
	if len(hotspots) > limit {
		hotspots = hotspots[:limit]
	}
	return hotspots
}

// TotalAllocations returns the total (churn) counter of the root, i.e. the
// total number of allocations ever recorded by this tree.
func (t *Tree) TotalAllocations() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.total
}

// RetainedAllocations returns the retained (live) counter of the root.
func (t *Tree) RetainedAllocations() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.retained
}

// Clear replaces the tree with a fresh, empty root. Any outstanding Leaf
// handles from before the clear become inert: calling DecrementPath on one
// still runs, but against nodes no longer reachable from the (new) root.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newNode(nil, nil)
}
