package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/pkg/schema"
)

func TestEngine_Compile(t *testing.T) {
	e := New()

	assert.NoError(t, e.Compile("2 * 21"))
	assert.NoError(t, e.Compile("young / (2 * (1 + nu))"))

	err := e.Compile("2 +* 3")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))

	err = e.Compile("")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestEngine_Eval(t *testing.T) {
	e := New()

	out, err := e.Eval("2 * x", map[string]any{"x": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	out, err = e.Eval("'pre_' + name", map[string]any{"name": "mesh"})
	require.NoError(t, err)
	assert.Equal(t, "pre_mesh", out)
}

func TestEngine_EvalUndefinedVariable(t *testing.T) {
	e := New()

	// Undefined names evaluate to nil rather than failing to compile; the
	// model surfaces unresolved names as validity, not panics.
	out, err := e.Eval("x", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEngine_CacheReuse(t *testing.T) {
	e := New()
	require.NoError(t, e.Compile("a + b"))

	// Same source twice hits the cache; behavior is identical.
	out1, err := e.Eval("a + b", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	out2, err := e.Eval("a + b", map[string]any{"a": 10, "b": 20})
	require.NoError(t, err)
	assert.Equal(t, 3, out1)
	assert.Equal(t, 30, out2)
	assert.Len(t, e.cache, 1)
}
