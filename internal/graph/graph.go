// Package graph provides the generic entity graph underlying the study data
// model: id-based node storage with mutual parent/child dependency edges,
// cycle prevention and reachability queries.
package graph

import (
	"sort"

	"github.com/rendis/studygraph/pkg/schema"
)

// Entity is the embeddable base of every graph node. It carries the id
// assigned on insertion; embedding it satisfies the Node interface.
type Entity struct {
	id schema.NodeID
}

// NewEntity returns a detached entity.
func NewEntity() Entity { return Entity{id: schema.Detached} }

// ID returns the node id, or schema.Detached before insertion.
func (e *Entity) ID() schema.NodeID { return e.id }

func (e *Entity) core() *Entity { return e }

// Node is any entity stored in a Graph. Only types embedding Entity can
// implement it.
type Node interface {
	ID() schema.NodeID
	Name() string
	core() *Entity
}

// Graph stores nodes and their dependency edges. A parent is a dependency
// (provider); a child depends on its parents. Edges are always mutual: a is
// a parent of b exactly when b is a child of a. No cycles are ever allowed.
type Graph struct {
	nodes    map[schema.NodeID]Node
	parents  map[schema.NodeID]map[schema.NodeID]struct{}
	children map[schema.NodeID]map[schema.NodeID]struct{}
	nextID   schema.NodeID
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[schema.NodeID]Node),
		parents:  make(map[schema.NodeID]map[schema.NodeID]struct{}),
		children: make(map[schema.NodeID]map[schema.NodeID]struct{}),
		nextID:   1,
	}
}

// Add assigns a fresh id to node and inserts it. If parent is a valid id,
// the parent→node edge is added as well. Inserting a node that already has
// an id is a structural error; the graph is left untouched.
func (g *Graph) Add(node Node, parent schema.NodeID) error {
	if node.ID() != schema.Detached {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"node %q already owned (id %d)", node.Name(), node.ID())
	}
	id := g.nextID
	g.nextID++
	node.core().id = id
	g.nodes[id] = node
	g.parents[id] = make(map[schema.NodeID]struct{})
	g.children[id] = make(map[schema.NodeID]struct{})
	if parent != schema.Detached {
		if err := g.AddEdge(parent, id); err != nil {
			// Roll the insertion back so the failed call has no effect.
			delete(g.nodes, id)
			delete(g.parents, id)
			delete(g.children, id)
			node.core().id = schema.Detached
			return err
		}
	}
	return nil
}

// Restore inserts a node under an explicit id, used when reloading a
// persisted graph. Fails if the id is taken or the node already owned.
func (g *Graph) Restore(node Node, id schema.NodeID) error {
	if node.ID() != schema.Detached {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"node %q already owned (id %d)", node.Name(), node.ID())
	}
	if _, taken := g.nodes[id]; taken || id == schema.Detached {
		return schema.NewErrorf(schema.ErrCodeStructural, "id %d not free", id)
	}
	node.core().id = id
	g.nodes[id] = node
	g.parents[id] = make(map[schema.NodeID]struct{})
	g.children[id] = make(map[schema.NodeID]struct{})
	if id >= g.nextID {
		g.nextID = id + 1
	}
	return nil
}

// Get returns the node with the given id, or nil if absent.
func (g *Graph) Get(id schema.NodeID) Node {
	return g.nodes[id]
}

// Has reports whether the id is present.
func (g *Graph) Has(id schema.NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// AddEdge records that child depends on parent. Adding an existing edge is
// a no-op. Fails with a cycle error, before touching anything, if the edge
// would make parent reachable from itself.
func (g *Graph) AddEdge(parent, child schema.NodeID) error {
	if !g.Has(parent) {
		return schema.NewErrorf(schema.ErrCodeStructural, "edge parent %d not in graph", parent)
	}
	if !g.Has(child) {
		return schema.NewErrorf(schema.ErrCodeStructural, "edge child %d not in graph", child)
	}
	if parent == child {
		return schema.NewErrorf(schema.ErrCodeCycle, "node %d cannot depend on itself", child)
	}
	if _, ok := g.children[parent][child]; ok {
		return nil
	}
	// The edge parent→child creates a cycle iff parent is already reachable
	// from child.
	if g.HasPath(child, parent) {
		return schema.NewErrorf(schema.ErrCodeCycle,
			"edge %d->%d would create a cycle", parent, child)
	}
	g.children[parent][child] = struct{}{}
	g.parents[child][parent] = struct{}{}
	return nil
}

// RemoveEdge removes the parent→child edge; absent edges are a no-op.
func (g *Graph) RemoveEdge(parent, child schema.NodeID) {
	if m, ok := g.children[parent]; ok {
		delete(m, child)
	}
	if m, ok := g.parents[child]; ok {
		delete(m, parent)
	}
}

// Remove deletes the node and all incident edges. Cascade policy belongs to
// higher layers; children stay in place. Unknown ids are a no-op.
func (g *Graph) Remove(id schema.NodeID) {
	node, ok := g.nodes[id]
	if !ok {
		return
	}
	for p := range g.parents[id] {
		delete(g.children[p], id)
	}
	for c := range g.children[id] {
		delete(g.parents[c], id)
	}
	delete(g.parents, id)
	delete(g.children, id)
	delete(g.nodes, id)
	node.core().id = schema.Detached
}

// Parents returns the sorted ids the node depends on.
func (g *Graph) Parents(id schema.NodeID) []schema.NodeID {
	return sortedIDs(g.parents[id])
}

// Children returns the sorted ids depending on the node.
func (g *Graph) Children(id schema.NodeID) []schema.NodeID {
	return sortedIDs(g.children[id])
}

// HasEdge reports whether the parent→child edge exists.
func (g *Graph) HasEdge(parent, child schema.NodeID) bool {
	_, ok := g.children[parent][child]
	return ok
}

// HasPath reports whether to is reachable from from over child edges, i.e.
// whether to (transitively) depends on from. A node does not reach itself.
func (g *Graph) HasPath(from, to schema.NodeID) bool {
	if !g.Has(from) || !g.Has(to) {
		return false
	}
	seen := map[schema.NodeID]struct{}{from: {}}
	queue := []schema.NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c := range g.children[cur] {
			if c == to {
				return true
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return false
}

func sortedIDs(set map[schema.NodeID]struct{}) []schema.NodeID {
	ids := make([]schema.NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
