// ABOUTME: Renders the call tree as a pprof heap-style profile
// ABOUTME: Lets go tool pprof visualize the same retained/total-by-stack data this profiler maintains

package calltree

import (
	"github.com/google/pprof/profile"
)

// Export renders the tree as a pprof *profile.Profile with two sample
// values per leaf path: total allocations (churn) and retained
// allocations (live objects), labeled the same way Go's own runtime heap
// profile labels its two values ("alloc_objects" and "inuse_objects").
// Every root-to-leaf path becomes one pprof Sample; Location and Function
// entries are deduplicated by LocationKey, matching how this tree already
// collapses frames that denote the same source point.
func (t *Tree) Export() *profile.Profile {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "inuse_objects", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "objects", Unit: "count"},
		Period:     1,
	}

	funcsByKey := make(map[string]*profile.Function)
	locsByKey := make(map[string]*profile.Location)
	var nextFuncID, nextLocID uint64

	locationFor := func(f Frame) *profile.Location {
		key := f.LocationKey()
		if loc, ok := locsByKey[key]; ok {
			return loc
		}
		fn, ok := funcsByKey[key]
		if !ok {
			nextFuncID++
			fn = &profile.Function{
				ID:       nextFuncID,
				Name:     f.Func,
				Filename: f.File,
			}
			funcsByKey[key] = fn
			p.Function = append(p.Function, fn)
		}
		nextLocID++
		loc := &profile.Location{
			ID:   nextLocID,
			Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
		}
		locsByKey[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	var walk func(n *Node, locs []*profile.Location)
	walk = func(n *Node, locs []*profile.Location) {
		// n.directTotal > 0 means at least one recorded stack ends
		// exactly here; it gets its own sample even if a longer stack
		// sharing this prefix later gave n children too. Using the
		// direct (not aggregate) counters avoids double-counting those
		// descendants, which get their own samples from their own walk
		// step.
		if n.directTotal > 0 {
			// pprof lists locations leaf-first.
			reversed := make([]*profile.Location, len(locs))
			for i, l := range locs {
				reversed[len(locs)-1-i] = l
			}
			p.Sample = append(p.Sample, &profile.Sample{
				Location: reversed,
				Value:    []int64{int64(n.directTotal), int64(n.directRetained)},
			})
		}
		for _, child := range n.children {
			walk(child, append(locs, locationFor(*child.location)))
		}
	}
	walk(t.root, nil)

	return p
}
