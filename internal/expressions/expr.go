// Package expressions evaluates variable expressions of a study. Variables
// are named scalar expressions; their values may reference other variables
// visible in scope.
package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/studygraph/pkg/schema"
)

// Engine compiles and evaluates variable expressions. Compiled programs are
// cached by source and reused; the cache is safe for concurrent readers even
// though the data model itself is single-threaded.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an expression engine with an empty program cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Compile checks that the expression is well formed, caching the program.
// A compile failure is the syntactic invalidity of a variable.
func (e *Engine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Eval evaluates the expression against the given environment of visible
// variable values.
func (e *Engine) Eval(expression string, env map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile returns the compiled program for expression, compiling on miss.
func (e *Engine) getOrCompile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
