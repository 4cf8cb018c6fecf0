package model

import "github.com/rendis/studygraph/pkg/schema"

// Dependency ordering. Sorted produces the linear order used for validity
// propagation, export and execution: a stable topological sort of the
// stage's commands seeded by insertion order, with catalog category
// precedence as tie-break. A real dependency edge always wins over
// category ordering. Equal-priority commands keep insertion order so
// export stays deterministic.

// Sorted returns the dependency-ordered commands, recomputing lazily after
// any structural change.
func (st *Stage) Sorted() []*Command {
	if !st.sortedOK || st.sortedGen != st.study.gen {
		st.sorted = st.computeOrder()
		st.sortedGen = st.study.gen
		st.sortedOK = true
	}
	out := make([]*Command, 0, len(st.sorted))
	for _, id := range st.sorted {
		if c := st.study.command(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Reorder forces recomputation of the order. The touched command narrows
// the affected neighborhood in principle; the result is always identical
// to a full recompute, so the cache is simply dropped.
func (st *Stage) Reorder(touched *Command) {
	_ = touched
	st.sortedOK = false
}

// computeOrder runs Kahn's algorithm over the stage's dependency edges
// plus the implicit ordering constraints of deleter commands, selecting
// among ready commands by (category ordinal, insertion position).
func (st *Stage) computeOrder() []schema.NodeID {
	g := st.study.g
	cat := st.study.cat

	pos := make(map[schema.NodeID]int, len(st.commands))
	for i, id := range st.commands {
		pos[id] = i
	}

	// adj holds parent→child constraints restricted to this stage.
	adj := make(map[schema.NodeID]map[schema.NodeID]struct{}, len(st.commands))
	for _, id := range st.commands {
		adj[id] = make(map[schema.NodeID]struct{})
	}
	addConstraint := func(parent, child schema.NodeID) {
		if parent == child {
			return
		}
		if _, ok := adj[parent]; !ok {
			return
		}
		if _, ok := adj[child]; !ok {
			return
		}
		adj[parent][child] = struct{}{}
	}

	for _, id := range st.commands {
		for _, childID := range g.Children(id) {
			addConstraint(id, childID)
		}
	}

	// Implicit deleter constraints: a deleter is ordered after every prior
	// command using a name it destroys, and a recreation of a destroyed
	// name is ordered after the deleter. Constraints conflicting with real
	// dependency reachability are dropped; a real edge always wins.
	for _, id := range st.commands {
		d := st.study.command(id)
		if d == nil || !d.IsDeleter() {
			continue
		}
		destroyedIDs := make(map[schema.NodeID]struct{})
		destroyedNames := make(map[string]struct{})
		for _, ref := range d.keywords.References() {
			if ref.Ref != schema.Detached {
				destroyedIDs[ref.Ref] = struct{}{}
			}
			if ref.RefName != "" {
				destroyedNames[ref.RefName] = struct{}{}
			}
		}
		for _, uid := range st.commands {
			if uid == id {
				continue
			}
			u := st.study.command(uid)
			if u == nil {
				continue
			}
			if pos[uid] < pos[id] {
				uses := false
				if _, ok := destroyedIDs[uid]; ok {
					uses = true
				} else {
					for did := range destroyedIDs {
						if g.HasEdge(did, uid) {
							uses = true
							break
						}
					}
				}
				if uses && !reachable(adj, id, uid) {
					addConstraint(uid, id)
				}
			} else if _, recreated := destroyedNames[u.name]; recreated {
				if !reachable(adj, uid, id) {
					addConstraint(id, uid)
				}
			}
		}
	}

	indeg := make(map[schema.NodeID]int, len(st.commands))
	for _, id := range st.commands {
		indeg[id] = 0
	}
	for _, children := range adj {
		for c := range children {
			indeg[c]++
		}
	}

	sorted := make([]schema.NodeID, 0, len(st.commands))
	done := make(map[schema.NodeID]bool, len(st.commands))
	for len(sorted) < len(st.commands) {
		best := schema.Detached
		bestCat, bestPos := 0, 0
		for _, id := range st.commands {
			if done[id] || indeg[id] > 0 {
				continue
			}
			c := st.study.command(id)
			catOrd := 0
			if c != nil {
				catOrd = c.categoryOrder(cat)
			}
			if best == schema.Detached || catOrd < bestCat ||
				(catOrd == bestCat && pos[id] < bestPos) {
				best, bestCat, bestPos = id, catOrd, pos[id]
			}
		}
		if best == schema.Detached {
			// Constraint stall; keep the output total by falling back to
			// insertion order for the remainder.
			for _, id := range st.commands {
				if !done[id] {
					sorted = append(sorted, id)
					done[id] = true
				}
			}
			break
		}
		sorted = append(sorted, best)
		done[best] = true
		for c := range adj[best] {
			indeg[c]--
		}
	}
	return sorted
}

// reachable reports whether to is reachable from from in the local
// constraint adjacency.
func reachable(adj map[schema.NodeID]map[schema.NodeID]struct{}, from, to schema.NodeID) bool {
	seen := map[schema.NodeID]struct{}{from: {}}
	queue := []schema.NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for c := range adj[cur] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return false
}
