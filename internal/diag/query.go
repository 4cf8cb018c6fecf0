// Package diag runs jq programs over study diagnostics: validity reports,
// case listings and run snapshots, marshalled to plain JSON values first so
// any jq filter works unmodified.
package diag

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/pkg/schema"
)

// Engine evaluates jq expressions against study data.
// Safe for concurrent use: compiled programs are cached under a lock.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// New creates a query engine.
func New() *Engine {
	return &Engine{cache: make(map[string]*gojq.Code)}
}

// Eval compiles (or retrieves from cache) a jq expression and evaluates it
// against the input value.
//
// jq expressions can produce multiple outputs. When there is exactly one
// output it is returned directly; multiple outputs are collected into []any.
func (e *Engine) Eval(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	jsonInput, err := toJSONValue(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"input not representable as JSON: %s", err.Error()).WithCause(err)
	}

	iter := code.RunWithContext(ctx, jsonInput)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Report evaluates the expression against a case's validity report.
func (e *Engine) Report(ctx context.Context, c *model.Case, expression string) (any, error) {
	return e.Eval(ctx, expression, c.Report())
}

// Study evaluates the expression against the study's full snapshot.
func (e *Engine) Study(ctx context.Context, s *model.Study, expression string) (any, error) {
	return e.Eval(ctx, expression, s.Snapshot())
}

// getOrCompile returns the compiled program for expression, compiling on miss.
func (e *Engine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query,
		// Block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// toJSONValue round-trips through encoding/json so gojq only ever sees
// map[string]any, []any, float64, string, bool and nil.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
