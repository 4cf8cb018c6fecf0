package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/pkg/schema"
)

func TestValidity_MandatoryRuleViolation(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	// AFFE_MODELE requires MAILLAGE or GRILLE.
	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	assert.True(t, model.Check().Has(schema.Syntaxic))

	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "GRILLE", Value: schema.Lit("G1")},
	}))
	assert.True(t, model.Check().Ok())
}

func TestValidity_UnsafeCheckPropagatesCause(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)

	flags, checkErr := s.CheckCommand(model, false)
	assert.True(t, flags.Has(schema.Syntaxic))
	require.Error(t, checkErr)
	assert.Equal(t, schema.ErrCodeCatalog, schema.CodeOf(checkErr))

	// Safe mode folds the same violation into the flag.
	flags, checkErr = s.CheckCommand(model, true)
	assert.True(t, flags.Has(schema.Syntaxic))
	assert.NoError(t, checkErr)
}

func TestValidity_BadVariableExpression(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)

	v, err := st.AddVariable("n", "2 +* 3")
	require.NoError(t, err)
	assert.True(t, v.Check().Has(schema.Syntaxic))

	require.NoError(t, st.SetExpression(v, "2 + 3"))
	assert.True(t, v.Check().Ok())
}

func TestValidity_InvalidityPropagatesThroughChain(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))
	mater, err := st.AddCommand("AFFE_MATERIAU", "mater")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mater, schema.KeywordSet{
		{Name: "MODELE", Value: schema.RefTo(model.ID(), "model")},
		{Name: "AFFE", Value: schema.Group(schema.KeywordSet{
			{Name: "TOUT", Value: schema.Lit("OUI")},
		})},
	}))
	require.True(t, st.Check().Ok())

	// Breaking the root invalidates every transitive consumer.
	require.NoError(t, st.DeleteCommand(mesh))
	assert.True(t, model.Check().Has(schema.Dependency))
	assert.True(t, mater.Check().Has(schema.Dependency))
	assert.False(t, mater.Check().Has(schema.Syntaxic))
	assert.True(t, st.Check().Has(schema.Dependency))
	assert.True(t, s.CurrentCase().Check().Has(schema.Dependency))
}

func TestValidity_OutOfScopeReference(t *testing.T) {
	s := newTestStudy(t)
	st1, mesh := newStageWithMesh(t, s)
	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)

	// Later stages see earlier ones.
	model, err := st2.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st2.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))
	assert.True(t, model.Check().Ok())

	// Earlier stages never see later ones, even with a direct id.
	grp, err := st1.AddCommand("DEFI_GROUP", "grp")
	require.NoError(t, err)
	require.NoError(t, st1.SetKeywords(grp, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(model.ID(), "model")},
	}))
	assert.True(t, grp.Check().Has(schema.Dependency))
	_ = mesh
}

func TestValidity_NamingConflict(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	// A second independent producer of "mesh": both sides are flagged.
	mesh2, err := st.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(mesh2, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(21)},
	}))

	assert.True(t, mesh.Check().Has(schema.Naming))
	assert.True(t, mesh2.Check().Has(schema.Naming))

	// Renaming one side clears the conflict.
	require.NoError(t, st.Rename(mesh2, "mesh_b"))
	assert.True(t, mesh.Check().Ok())
	assert.True(t, mesh2.Check().Ok())
}

func TestValidity_NamingConflictAcrossStages(t *testing.T) {
	s := newTestStudy(t)
	_, mesh := newStageWithMesh(t, s)
	st2, err := s.CurrentCase().AddStage("s2")
	require.NoError(t, err)

	other, err := st2.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(t, err)
	require.NoError(t, st2.SetKeywords(other, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(21)},
	}))

	assert.True(t, mesh.Check().Has(schema.Naming))
	assert.True(t, other.Check().Has(schema.Naming))
}

func TestValidity_CommentsNeverConflict(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	c, err := st.AddComment("mesh")
	require.NoError(t, err)
	assert.True(t, c.Check().Ok())
	assert.True(t, mesh.Check().Ok())
}

func TestValidity_CaseReport(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))
	require.NoError(t, st.DeleteCommand(mesh))

	report := s.CurrentCase().Report()
	assert.False(t, report.Valid())
	assert.True(t, report.Flags.Has(schema.Dependency))
	require.NotEmpty(t, report.Errors)
	issue := report.Errors[0]
	assert.Equal(t, "case[Current].stage[s1].model", issue.Path)
	assert.Contains(t, issue.Message, "mesh is not defined")

	err = report.ToError()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidity_ReportValidCase(t *testing.T) {
	s := newTestStudy(t)
	_, _ = newStageWithMesh(t, s)

	report := s.CurrentCase().Report()
	assert.True(t, report.Valid())
	assert.NoError(t, report.ToError())
}

func TestValidity_CacheInvalidatedByMutation(t *testing.T) {
	s := newTestStudy(t)
	st, mesh := newStageWithMesh(t, s)

	model, err := st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)
	require.NoError(t, st.SetKeywords(model, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.RefTo(mesh.ID(), "mesh")},
	}))
	require.True(t, model.Check().Ok())

	// The cached result must not survive the structural change.
	require.NoError(t, st.DeleteCommand(mesh))
	assert.True(t, model.Check().Has(schema.Dependency))
}

func TestValidity_RepairLeavesSyntaxicAlone(t *testing.T) {
	s := newTestStudy(t)
	st, err := s.CurrentCase().AddStage("s1")
	require.NoError(t, err)
	_, err = st.AddCommand("AFFE_MODELE", "model")
	require.NoError(t, err)

	flags := s.Repair(s.CurrentCase())
	assert.True(t, flags.Has(schema.Syntaxic))
}
