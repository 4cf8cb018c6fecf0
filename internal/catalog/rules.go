package catalog

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/studygraph/pkg/schema"
)

// ruleEnv is the shared CEL environment for mandatory rules. Rules see a
// single top-level variable `kw`: a map from populated keyword name to a
// simplified value (literals as-is, references as the referenced name,
// markers as the declared output name, groups as nested maps).
var (
	ruleEnvOnce sync.Once
	ruleEnv     *cel.Env
	ruleEnvErr  error
)

func sharedRuleEnv() (*cel.Env, error) {
	ruleEnvOnce.Do(func() {
		ruleEnv, ruleEnvErr = cel.NewEnv(
			cel.Variable("kw", cel.MapType(cel.StringType, cel.DynType)),
		)
		if ruleEnvErr != nil {
			ruleEnvErr = fmt.Errorf("create CEL environment: %w", ruleEnvErr)
		}
	})
	return ruleEnv, ruleEnvErr
}

// compileRule compiles the definition's mandatory rule. Definitions with an
// empty rule accept any keyword set.
func compileRule(d *Definition) error {
	if d.Rule == "" {
		return nil
	}
	env, err := sharedRuleEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Compile(d.Rule)
	if issues != nil && issues.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeCatalog,
			"rule compile error for %s: %s", d.Title, issues.Err().Error()).
			WithCause(issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCatalog,
			"rule program error for %s: %s", d.Title, err.Error()).
			WithCause(err)
	}
	d.prg = prg
	return nil
}

// CheckMandatory evaluates the mandatory rule against the keyword values.
// A nil return means the values are acceptable. Violations come back as a
// CATALOG_ERROR; the validity engine folds them into the Syntaxic flag
// under safe mode and lets them propagate otherwise.
func (d *Definition) CheckMandatory(kws schema.KeywordSet) error {
	for _, kw := range kws {
		if !d.AllowsKeyword(kw.Name) {
			return schema.NewErrorf(schema.ErrCodeCatalog,
				"%s does not accept keyword %s", d.Title, kw.Name)
		}
	}
	if d.prg == nil {
		return nil
	}
	out, _, err := d.prg.Eval(map[string]any{"kw": ruleActivation(kws)})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCatalog,
			"rule evaluation failed for %s: %s", d.Title, err.Error()).
			WithCause(err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return schema.NewErrorf(schema.ErrCodeCatalog,
			"rule for %s did not evaluate to a boolean", d.Title)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeCatalog,
			"mandatory rule violated for %s: %s", d.Title, d.Rule)
	}
	return nil
}

// ruleActivation flattens a keyword set into the map exposed to rules.
func ruleActivation(kws schema.KeywordSet) map[string]any {
	m := make(map[string]any, len(kws))
	for _, kw := range kws {
		m[kw.Name] = ruleValue(kw.Value)
	}
	return m
}

func ruleValue(v schema.KeywordValue) any {
	switch v.Kind {
	case schema.KindLiteral:
		return v.Literal
	case schema.KindReference:
		return v.RefName
	case schema.KindNewResult:
		return v.Marker
	case schema.KindGroup:
		return ruleActivation(v.Group)
	case schema.KindList:
		items := make([]any, len(v.List))
		for i, item := range v.List {
			items[i] = ruleValue(item)
		}
		return items
	}
	return nil
}
