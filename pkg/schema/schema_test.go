package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudyError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "mesh is not defined")
	assert.Equal(t, "[NOT_FOUND] mesh is not defined", err.Error())

	err = NewErrorf(ErrCodeState, "stage %q is in text mode", "s1").WithCommand("mesh")
	assert.Equal(t, `[STATE_ERROR] command mesh: stage "s1" is in text mode`, err.Error())
	assert.Equal(t, ErrCodeState, CodeOf(err))
}

func TestStudyError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStore, "save failed").WithCause(cause)
	assert.True(t, errors.Is(err, cause))
}

func TestCodeOf_ForeignError(t *testing.T) {
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestValidityFlags_Combine(t *testing.T) {
	v := Nothing
	assert.True(t, v.Ok())
	assert.Equal(t, "nothing", v.String())

	v |= Syntaxic | Naming
	assert.True(t, v.Has(Syntaxic))
	assert.True(t, v.Has(Naming))
	assert.False(t, v.Has(Dependency))
	assert.False(t, v.Ok())
	assert.Equal(t, "syntaxic|naming", v.String())
}

func TestValidityReport_Aggregation(t *testing.T) {
	r := &ValidityReport{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddError("case[c].stage[s].mesh", Dependency, ErrCodeNotFound, "mesh is not defined")
	r.AddWarning("case[c].stage[s]", ErrCodeValidation, "stage has no starter")

	assert.False(t, r.Valid())
	assert.True(t, r.Flags.Has(Dependency))
	require.Len(t, r.Errors, 1)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)

	other := &ValidityReport{}
	other.AddError("case[c].stage[s].model", Syntaxic, ErrCodeCatalog, "rule violated")
	r.Merge(other)
	assert.True(t, r.Flags.Has(Syntaxic))
	assert.Len(t, r.Errors, 2)

	err := r.ToError()
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
}

func TestKeywordSet_Access(t *testing.T) {
	ks := KeywordSet{}
	ks = ks.Set("UNITE", Lit(20))
	ks = ks.Set("FORMAT", Lit("MED"))
	ks = ks.Set("UNITE", Lit(21))

	require.Len(t, ks, 2)
	v, ok := ks.Get("UNITE")
	require.True(t, ok)
	assert.Equal(t, 21, v.Literal)
	assert.True(t, ks.Has("FORMAT"))

	ks = ks.Delete("UNITE")
	assert.False(t, ks.Has("UNITE"))
	assert.True(t, ks.Has("FORMAT"))
}

func TestKeywordSet_WalkCollectsNestedRefs(t *testing.T) {
	ks := KeywordSet{
		{Name: "MAILLAGE", Value: Ref("mesh")},
		{Name: "AFFE", Value: Group(KeywordSet{
			{Name: "MODELE", Value: RefTo(7, "model")},
			{Name: "OUT", Value: NewResult("field")},
		})},
		{Name: "EXCIT", Value: List(Ref("load1"), Ref("load2"))},
	}

	refs := ks.References()
	require.Len(t, refs, 4)
	assert.Equal(t, "mesh", refs[0].RefName)
	assert.Equal(t, NodeID(7), refs[1].Ref)
	assert.Equal(t, "load1", refs[2].RefName)

	markers := ks.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "field", markers[0].Marker)
}

func TestKeywordSet_CloneIsDeep(t *testing.T) {
	ks := KeywordSet{
		{Name: "AFFE", Value: Group(KeywordSet{
			{Name: "MAILLAGE", Value: Ref("mesh")},
		})},
		{Name: "EXCIT", Value: List(Ref("load"))},
	}
	cp := ks.Clone()

	cp.WalkValues(func(v *KeywordValue) {
		if v.Kind == KindReference {
			v.Ref = 99
		}
	})
	for _, ref := range ks.References() {
		assert.Equal(t, Detached, ref.Ref)
	}
}

func TestKeywordValue_JSONKeepsReferenceIdentity(t *testing.T) {
	ks := KeywordSet{
		{Name: "MAILLAGE", Value: RefTo(12, "mesh")},
		{Name: "NP1", Value: NewResult("refined")},
		{Name: "ADAPT", Value: Group(KeywordSet{
			{Name: "NIVEAUX", Value: List(Lit(1), Lit(2))},
		})},
	}

	data, err := json.Marshal(ks)
	require.NoError(t, err)

	var back KeywordSet
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 3)

	v, _ := back.Get("MAILLAGE")
	assert.Equal(t, KindReference, v.Kind)
	assert.Equal(t, NodeID(12), v.Ref)
	assert.Equal(t, "mesh", v.RefName)

	v, _ = back.Get("NP1")
	assert.Equal(t, "refined", v.Marker)
}
