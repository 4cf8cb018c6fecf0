package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/pkg/schema"
)

type testNode struct {
	Entity
	name string
}

func newTestNode(name string) *testNode {
	return &testNode{Entity: NewEntity(), name: name}
}

func (n *testNode) Name() string { return n.name }

func TestGraph_AddAssignsIDs(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")

	require.NoError(t, g.Add(a, schema.Detached))
	require.NoError(t, g.Add(b, schema.Detached))

	assert.NotEqual(t, schema.Detached, a.ID())
	assert.NotEqual(t, schema.Detached, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, g.Len())
	assert.Same(t, a, g.Get(a.ID()))
}

func TestGraph_AddOwnedNodeFails(t *testing.T) {
	g := New()
	a := newTestNode("a")
	require.NoError(t, g.Add(a, schema.Detached))

	err := g.Add(a, schema.Detached)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStructural, schema.CodeOf(err))
}

func TestGraph_AddWithParent(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	require.NoError(t, g.Add(a, schema.Detached))
	require.NoError(t, g.Add(b, a.ID()))

	assert.True(t, g.HasEdge(a.ID(), b.ID()))
	assert.Equal(t, []schema.NodeID{a.ID()}, g.Parents(b.ID()))
	assert.Equal(t, []schema.NodeID{b.ID()}, g.Children(a.ID()))
}

func TestGraph_AddRollsBackOnBadParent(t *testing.T) {
	g := New()
	a := newTestNode("a")

	err := g.Add(a, schema.NodeID(99))
	require.Error(t, err)
	assert.Equal(t, schema.Detached, a.ID())
	assert.Equal(t, 0, g.Len())
}

func TestGraph_Restore(t *testing.T) {
	g := New()
	a := newTestNode("a")
	require.NoError(t, g.Restore(a, schema.NodeID(7)))
	assert.Equal(t, schema.NodeID(7), a.ID())

	// Fresh inserts must not collide with restored ids.
	b := newTestNode("b")
	require.NoError(t, g.Add(b, schema.Detached))
	assert.Greater(t, int(b.ID()), 7)

	c := newTestNode("c")
	err := g.Restore(c, schema.NodeID(7))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStructural, schema.CodeOf(err))
}

func TestGraph_AddEdgeRejectsCycle(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	c := newTestNode("c")
	for _, n := range []*testNode{a, b, c} {
		require.NoError(t, g.Add(n, schema.Detached))
	}
	require.NoError(t, g.AddEdge(a.ID(), b.ID()))
	require.NoError(t, g.AddEdge(b.ID(), c.ID()))

	err := g.AddEdge(c.ID(), a.ID())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycle, schema.CodeOf(err))
	assert.False(t, g.HasEdge(c.ID(), a.ID()))

	err = g.AddEdge(a.ID(), a.ID())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycle, schema.CodeOf(err))
}

func TestGraph_AddEdgeIdempotent(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	require.NoError(t, g.Add(a, schema.Detached))
	require.NoError(t, g.Add(b, schema.Detached))

	require.NoError(t, g.AddEdge(a.ID(), b.ID()))
	require.NoError(t, g.AddEdge(a.ID(), b.ID()))
	assert.Len(t, g.Children(a.ID()), 1)
}

func TestGraph_RemoveEdge(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	require.NoError(t, g.Add(a, schema.Detached))
	require.NoError(t, g.Add(b, a.ID()))

	g.RemoveEdge(a.ID(), b.ID())
	assert.False(t, g.HasEdge(a.ID(), b.ID()))
	assert.Empty(t, g.Parents(b.ID()))

	// Absent edges are a no-op.
	g.RemoveEdge(a.ID(), b.ID())
}

func TestGraph_RemoveDetachesNode(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	require.NoError(t, g.Add(a, schema.Detached))
	require.NoError(t, g.Add(b, a.ID()))

	id := a.ID()
	g.Remove(id)

	assert.Equal(t, schema.Detached, a.ID())
	assert.False(t, g.Has(id))
	// The child stays, now orphaned.
	assert.True(t, g.Has(b.ID()))
	assert.Empty(t, g.Parents(b.ID()))
}

func TestGraph_HasPath(t *testing.T) {
	g := New()
	a := newTestNode("a")
	b := newTestNode("b")
	c := newTestNode("c")
	d := newTestNode("d")
	for _, n := range []*testNode{a, b, c, d} {
		require.NoError(t, g.Add(n, schema.Detached))
	}
	require.NoError(t, g.AddEdge(a.ID(), b.ID()))
	require.NoError(t, g.AddEdge(b.ID(), c.ID()))

	assert.True(t, g.HasPath(a.ID(), c.ID()))
	assert.True(t, g.HasPath(a.ID(), b.ID()))
	assert.False(t, g.HasPath(c.ID(), a.ID()))
	assert.False(t, g.HasPath(a.ID(), d.ID()))
	assert.False(t, g.HasPath(a.ID(), a.ID()))
}
