package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/pkg/schema"
)

func TestStudy_SnapshotRoundTrip(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)
	mdl, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mdl, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	snap := s.Snapshot()
	restored, err := FromSnapshot(snap, catalog.Builtin())
	require.NoError(t, err)

	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, "test", restored.Name())
	assert.Equal(t, "Current", restored.CurrentCase().Name())

	rst := restored.CurrentCase().Stage("s1")
	require.NotNil(t, rst)
	rmesh := rst.Command("mesh")
	require.NotNil(t, rmesh)
	assert.Equal(t, mesh.ID(), rmesh.ID())

	rmdl := rst.Command("model")
	require.NotNil(t, rmdl)
	assert.Equal(t, mdl.ID(), rmdl.ID())
	v, ok := rmdl.Keywords().Get("MAILLAGE")
	require.True(t, ok)
	assert.Equal(t, rmesh.ID(), v.Ref)

	require.NotNil(t, rmdl.Definition())
	assert.True(t, rmdl.Check().Ok())
	order := rst.Sorted()
	require.Len(t, order, 2)
	assert.Equal(t, "mesh", order[0].Name())
}

func TestStudy_SnapshotPreservesSharing(t *testing.T) {
	s := newTestStudy(t)
	newStageWithMesh(t, s)
	_, err := s.CurrentCase().Copy("c2")
	require.NoError(t, err)

	restored, err := FromSnapshot(s.Snapshot(), catalog.Builtin())
	require.NoError(t, err)

	cur := restored.CurrentCase()
	c2 := restored.Case("c2")
	require.NotNil(t, c2)
	assert.Equal(t, schema.RoleStandard, c2.Role())
	// Stage sharing survives the round trip as pointer identity.
	assert.Same(t, cur.StageAt(0), c2.StageAt(0))
}

func TestStudy_SnapshotPreservesResults(t *testing.T) {
	s := newTestStudy(t)
	st, _ := newStageWithMesh(t, s)
	st.RecordResult(schema.ResultSuccess, "ok")

	restored, err := FromSnapshot(s.Snapshot(), catalog.Builtin())
	require.NoError(t, err)

	res := restored.CurrentCase().Stage("s1").Result()
	assert.Equal(t, schema.ResultSuccess, res.State)
	assert.Equal(t, "ok", res.Message)
}

func TestStudy_SnapshotSurvivesJSON(t *testing.T) {
	s := newTestStudy(t)
	st, _ := newStageWithMesh(t, s)
	_, err := st.AddVariable("n", "40 + 2")
	require.NoError(t, err)
	_, err = st.AddComment("a note")
	require.NoError(t, err)

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	var snap StudySnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored, err := FromSnapshot(&snap, catalog.Builtin())
	require.NoError(t, err)
	rst := restored.CurrentCase().Stage("s1")
	require.NotNil(t, rst)
	require.Len(t, rst.Commands(), 3)
	assert.Equal(t, "40 + 2", rst.Command("n").Expression())
}

func TestFromSnapshot_DetachesKeywordsFromSnapshot(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)
	mdl, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mdl, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))

	snap := s.Snapshot()
	restored, err := FromSnapshot(snap, catalog.Builtin())
	require.NoError(t, err)

	// Deleting a command rewrites its dependents' references in place so
	// they can be repaired by name. That edit must stay inside the restored
	// study and never reach the snapshot it was built from.
	rst := restored.CurrentCase().Stage("s1")
	require.NoError(t, rst.Rename(rst.Command("mesh"), "grid"))
	require.NoError(t, rst.DeleteCommand(rst.Command("grid")))

	var found bool
	for _, cs := range snap.Stages[0].Commands {
		if cs.Name != "model" {
			continue
		}
		found = true
		refs := cs.Keywords.References()
		require.Len(t, refs, 1)
		assert.Equal(t, mesh.ID(), refs[0].Ref)
		assert.Equal(t, "mesh", refs[0].RefName)
	}
	require.True(t, found)
}

func TestFromSnapshot_UnknownCurrentCase(t *testing.T) {
	s := newTestStudy(t)
	snap := s.Snapshot()
	snap.Current = "ghost"

	_, err := FromSnapshot(snap, catalog.Builtin())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStructural, schema.CodeOf(err))
}

func TestFromSnapshot_FreshIDsAboveRestored(t *testing.T) {
	s := newTestStudy(t)
	_, mesh := newStageWithMesh(t, s)

	restored, err := FromSnapshot(s.Snapshot(), catalog.Builtin())
	require.NoError(t, err)
	st := restored.CurrentCase().Stage("s1")
	cmd, err := st.AddCommand("DEFI_MATERIAU", "steel")
	require.NoError(t, err)
	assert.Greater(t, cmd.ID(), mesh.ID())
}
