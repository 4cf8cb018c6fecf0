package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/pkg/schema"
)

func TestResolve_WithinStage(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	got, ok := s.Resolve(st, "mesh")
	require.True(t, ok)
	assert.Same(t, mesh, got)

	_, ok = s.Resolve(st, "absent")
	assert.False(t, ok)
	assert.True(t, s.ExistsInScope(st, "mesh"))
	assert.False(t, s.ExistsInScope(st, "absent"))
}

func TestResolve_EarlierStagesVisible(t *testing.T) {
	s := newTestStudy(t)
	_, mesh := newStageWithMesh(t, s)
	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)

	got, ok := s.Resolve(st2, "mesh")
	require.True(t, ok)
	assert.Same(t, mesh, got)
}

func TestResolve_LaterStagesInvisible(t *testing.T) {
	s := newTestStudy(t)
	st1, _ := newStageWithMesh(t, s)
	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)
	_, err = st2.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)

	_, ok := s.Resolve(st1, "model")
	assert.False(t, ok)
}

func TestResolve_NearestWinsAcrossStages(t *testing.T) {
	s := newTestStudy(t)
	_, _ = newStageWithMesh(t, s)
	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)
	shadow, err := st2.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)

	got, ok := s.Resolve(st2, "mesh")
	require.True(t, ok)
	assert.Same(t, shadow, got)
}

func TestResolve_CommentsAndNonProducersSkipped(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	_, err = st.AddComment("mesh")
	require.NoError(t, err)
	// IMPR_RESU produces nothing referencable.
	impr, err := st.AddCommand("IMPR_RESU", "printer")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(impr, schema.KeywordSet{
		{Name: "RESU", Value: schema.Lit("R1")},
	}))

	_, ok := s.Resolve(st, "printer")
	assert.False(t, ok)
}

func TestResolveIndexed(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)
	grp, err := st.AddCommand("DEFI_GROUP", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))

	got, ok := s.ResolveIndexed(st, "mesh", 0)
	require.True(t, ok)
	assert.Same(t, grp, got)

	got, ok = s.ResolveIndexed(st, "mesh", 1)
	require.True(t, ok)
	assert.Same(t, mesh, got)

	_, ok = s.ResolveIndexed(st, "mesh", 2)
	assert.False(t, ok)
}

func TestResolveExcluding(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)
	grp, err := st.AddCommand("DEFI_GROUP", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))

	// Excluding the reusing command yields the version of the name it was
	// built from.
	got, ok := s.ResolveExcluding(st, "mesh", grp)
	require.True(t, ok)
	assert.Same(t, mesh, got)
}
