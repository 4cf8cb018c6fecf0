package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/pkg/schema"
)

// memRecorder collects emitted events for assertions.
type memRecorder struct {
	events []*schema.Event
}

func (r *memRecorder) Record(e *schema.Event) { r.events = append(r.events, e) }

func (r *memRecorder) ofType(t string) []*schema.Event {
	var out []*schema.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestStudy(t *testing.T) *Study {
	t.Helper()
	return New("test", catalog.Builtin())
}

// newStageWithMesh builds the common fixture: one stage holding
// mesh = LIRE_MAILLAGE(UNITE=20).
func newStageWithMesh(t *testing.T, s *Study) (*Stage, *Command) {
	t.Helper()
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	mesh, err := st.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mesh, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(20)},
	}))
	return st, mesh
}

func TestStage_AddCommand(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	cmd, err := st.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)
	assert.Equal(t, "mesh", cmd.Name())
	assert.Equal(t, "LIRE_MAILLAGE", cmd.Title())
	assert.Equal(t, KindCommand, cmd.Kind())
	assert.Equal(t, catalog.TypeTag("maillage"), cmd.TypeTag())
	assert.Same(t, st, cmd.Stage())
	assert.NotEqual(t, schema.Detached, cmd.ID())
}

func TestStage_AddCommandAutoName(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	a, err := st.AddCommand("LIRE_MAILLAGE", "")
	require.NoError(t, err)
	b, err := st.AddCommand("LIRE_MAILLAGE", "")
	require.NoError(t, err)

	assert.Equal(t, "maillage", a.Name())
	assert.Equal(t, "maillage1", b.Name())
}

func TestStage_AddCommandUnknownTitle(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	// Unknown titles are accepted and stay invalid until the catalog knows
	// them.
	cmd, err := st.AddCommand("NO_SUCH_OP", "x")
	require.NoError(t, err)
	assert.Nil(t, cmd.Definition())
	assert.True(t, cmd.Check().Has(schema.Syntaxic))
}

func TestStage_AddVariableAndComment(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	v, err := st.AddVariable("n", "2 * 21")
	require.NoError(t, err)
	assert.Equal(t, KindVariable, v.Kind())
	assert.Equal(t, "2 * 21", v.Expression())
	assert.True(t, v.Check().Ok())

	c, err := st.AddComment("refine later")
	require.NoError(t, err)
	assert.Equal(t, KindComment, c.Kind())
	assert.Equal(t, "refine later", c.Text())
	assert.True(t, c.Check().Ok())

	_, err = st.AddVariable("", "1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))
}

func TestStage_SetKeywordsResolvesAndLinks(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	assert.True(t, s.g.HasEdge(mesh.ID(), model.ID()))
	refs := model.Keywords().References()
	require.Len(t, refs, 1)
	assert.Equal(t, mesh.ID(), refs[0].Ref)
	assert.True(t, model.Check().Ok())
}

func TestStage_SetKeywordsUnresolvedNameIsNotAnError(t *testing.T) {
	s := newTestStudy(t)
	st, _ := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("no_such_mesh")},
	}))

	assert.True(t, model.Check().Has(schema.Dependency))
}

func TestStage_SetKeywordsRejectsCycle(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	grp, err := st.AddCommand("DEFI_GROUP", "grp")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	// mesh depending on grp would close a cycle; the call fails and the
	// graph keeps only the original edge.
	err = st.SetKeywords(mesh, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(20)},
		{Name: "FORMAT", Value: schema.RefTo(grp.ID(), "grp")},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycle, schema.CodeOf(err))
	assert.True(t, s.g.HasEdge(mesh.ID(), grp.ID()))
	assert.False(t, s.g.HasEdge(grp.ID(), mesh.ID()))
}

func TestStage_SetKeywordsResultReuse(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	// mesh = DEFI_GROUP(MAILLAGE=mesh): the reference binds the previous
	// owner of the name, not the command being edited.
	grp, err := st.AddCommand("DEFI_GROUP", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	assert.True(t, s.g.HasEdge(mesh.ID(), grp.ID()))
	// Reuse is legal: neither command is a naming conflict.
	assert.True(t, mesh.Check().Ok())
	assert.True(t, grp.Check().Ok())

	// Resolution from a later consumer picks the most recent owner.
	resolved, ok := s.Resolve(st, "mesh")
	require.True(t, ok)
	assert.Same(t, grp, resolved)
}

func TestStage_Rename(t *testing.T) {
	rec := &memRecorder{}
	s := New("test", catalog.Builtin(), WithRecorder(rec))
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	mesh, err := st.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)

	require.NoError(t, st.Rename(mesh, "mesh2"))
	assert.Equal(t, "mesh2", mesh.Name())
	require.Len(t, rec.ofType(schema.EventCommandRenamed), 1)

	err = st.Rename(mesh, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))
}

func TestStage_RenameKeepsDependentsBound(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	// Dependents point at the id, not the name: renaming breaks nothing.
	require.NoError(t, st.Rename(mesh, "other"))
	assert.True(t, s.g.HasEdge(mesh.ID(), model.ID()))
	assert.True(t, model.Check().Ok())
}

func TestStage_DeleteCommandSurfacesDependency(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	require.NoError(t, st.DeleteCommand(mesh))

	assert.Len(t, st.Commands(), 1)
	assert.True(t, model.Check().Has(schema.Dependency))
	// The deleted target's name survives on the reference for repair.
	refs := model.Keywords().References()
	require.Len(t, refs, 1)
	assert.Equal(t, "mesh", refs[0].RefName)
}

func TestStage_DeleteAndRecreateThenRepair(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))
	require.NoError(t, st.DeleteCommand(mesh))
	require.True(t, model.Check().Has(schema.Dependency))

	mesh2, err := st.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mesh2, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(20)},
	}))

	flags := s.Repair(s.CurrentCase())
	assert.True(t, flags.Ok())
	assert.True(t, s.g.HasEdge(mesh2.ID(), model.ID()))
}

func TestStage_CommandLookupPrefersMostRecent(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	grp, err := st.AddCommand("DEFI_GROUP", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))

	assert.Same(t, grp, st.Command("mesh"))
	assert.Nil(t, st.Command("absent"))
}

func TestStage_SetExpression(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	v, err := st.AddVariable("n", "1")
	require.NoError(t, err)
	require.NoError(t, st.SetExpression(v, "2 + 2"))
	assert.Equal(t, "2 + 2", v.Expression())

	err = st.SetExpression(mesh, "1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))
}

func TestStage_SpecsPopulateRoundTrip(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	require.NoError(t, st.Populate([]schema.CommandSpec{
		{Title: "DEBUT"},
		{Title: "LIRE_MAILLAGE", Name: "mesh", Keywords: schema.KeywordSet{
			{Name: "UNITE", Value: schema.Lit(20)},
		}},
		{Title: VariableTitle, Name: "n", Keywords: schema.KeywordSet{
			{Name: "EXPR", Value: schema.Lit("40 + 2")},
		}},
		{Title: CommentTitle, Keywords: schema.KeywordSet{
			{Name: "TEXT", Value: schema.Lit("note")},
		}},
		{Title: "AFFE_MODELE", Name: "model", Keywords: schema.KeywordSet{
			{Name: "MAILLAGE", Value: schema.Ref("mesh")},
		}},
	}))

	assert.True(t, st.Check().Ok())

	specs := st.Specs()
	require.Len(t, specs, 5)
	assert.Equal(t, "DEBUT", specs[0].Title)
	assert.Equal(t, "mesh", specs[1].Name)
	assert.Equal(t, VariableTitle, specs[2].Title)
	// References are exported by name only.
	refs := specs[4].Keywords.References()
	require.Len(t, refs, 1)
	assert.Equal(t, schema.Detached, refs[0].Ref)
	assert.Equal(t, "mesh", refs[0].RefName)

	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)
	require.NoError(t, st2.Populate(specs))
	assert.Len(t, st2.Commands(), 5)
	assert.True(t, st2.Check().Ok())
}

func TestStage_RecordResult(t *testing.T) {
	rec := &memRecorder{}
	s := New("test", catalog.Builtin(), WithRecorder(rec))
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	st.RecordResult(schema.ResultSuccess, "")
	assert.Equal(t, schema.ResultSuccess, st.Result().State)
	require.Len(t, rec.ofType(schema.EventResultRecorded), 1)

	// Same state again is a no-op.
	st.RecordResult(schema.ResultSuccess, "")
	assert.Len(t, rec.ofType(schema.EventResultRecorded), 1)

	st.RecordResult(schema.ResultError, "solver crash")
	assert.Equal(t, schema.ResultError, st.Result().State)
	assert.Equal(t, "solver crash", st.Result().Message)
}
