// Package catalog holds the injected command catalog: the external
// definition of what operations exist, which keywords they accept, which
// category orders them, and the mandatory rules their keyword values must
// satisfy. The catalog is an immutable value passed into the engine at
// construction time, never ambient global state.
package catalog

import (
	"github.com/google/cel-go/cel"

	"github.com/rendis/studygraph/pkg/schema"
)

// TypeTag names the result type a command produces (e.g. "maillage",
// "modele"). Empty means the command produces nothing.
type TypeTag string

// KeywordDef describes one accepted top-level keyword of a command.
type KeywordDef struct {
	Name string `json:"name"`
	// File marks logical-unit keywords for the runner boundary: "in" or
	// "out" when the keyword binds a file handle, empty otherwise.
	File string `json:"file,omitempty"`
}

// ProduceRule derives the produced type from which keywords are populated.
// The first rule whose When keyword is present wins; When == "" is the
// default. Catalog results may depend on which optional branch is
// populated, which is why callers never cache them beyond a single check.
type ProduceRule struct {
	When string  `json:"when,omitempty"`
	Type TypeTag `json:"type"`
}

// Definition is the catalog entry for one command title.
type Definition struct {
	Title    string       `json:"title"`
	Category string       `json:"category"`
	Keywords []KeywordDef `json:"keywords,omitempty"`
	// Rule is a CEL expression over the populated keywords (`kw`); it must
	// evaluate to true for the command to be syntactically acceptable.
	Rule     string        `json:"rule,omitempty"`
	Produces []ProduceRule `json:"produces,omitempty"`
	// MarkerTypes assigns result types to new-result markers declared under
	// a given keyword of a macro command.
	MarkerTypes map[string]TypeTag `json:"markers,omitempty"`
	// Macro marks commands able to declare additional named outputs.
	Macro bool `json:"macro,omitempty"`
	// Starter marks stage-initialization commands, always ordered first.
	Starter bool `json:"starter,omitempty"`
	// Deleter marks commands that destroy previously created results.
	Deleter bool `json:"deleter,omitempty"`

	order int
	prg   cel.Program
}

// CategoryOrder returns the ordinal of the definition's category.
func (d *Definition) CategoryOrder() int { return d.order }

// AllowsKeyword reports whether name is an accepted top-level keyword.
// Definitions without a keyword list accept anything.
func (d *Definition) AllowsKeyword(name string) bool {
	if len(d.Keywords) == 0 {
		return true
	}
	for _, kw := range d.Keywords {
		if kw.Name == name {
			return true
		}
	}
	return false
}

// FileKeywords returns the keywords binding file handles, with direction.
func (d *Definition) FileKeywords() []KeywordDef {
	var out []KeywordDef
	for _, kw := range d.Keywords {
		if kw.File != "" {
			out = append(out, kw)
		}
	}
	return out
}

// ProducedType derives the type of the command's main result from the
// populated keywords. Returns ("", false) when nothing is produced.
func (d *Definition) ProducedType(kws schema.KeywordSet) (TypeTag, bool) {
	var fallback TypeTag
	var hasDefault bool
	for _, rule := range d.Produces {
		if rule.When == "" {
			fallback, hasDefault = rule.Type, true
			continue
		}
		if kws.Has(rule.When) {
			return rule.Type, true
		}
	}
	return fallback, hasDefault
}

// MarkerType returns the result type for new-result markers declared under
// the given keyword, or "" while the output is still untyped.
func (d *Definition) MarkerType(keyword string) TypeTag {
	return d.MarkerTypes[keyword]
}

// Catalog is the immutable lookup service for command definitions.
type Catalog struct {
	version    string
	defs       map[string]*Definition
	categories []string
	catOrder   map[string]int
}

// Version returns the catalog version string.
func (c *Catalog) Version() string { return c.version }

// Get returns the definition for a command title.
func (c *Catalog) Get(title string) (*Definition, bool) {
	d, ok := c.defs[title]
	return d, ok
}

// Categories returns the declared category names in precedence order.
func (c *Catalog) Categories() []string { return c.categories }

// CategoryOrder returns the ordinal of a category; unknown categories sort
// after every declared one.
func (c *Catalog) CategoryOrder(category string) int {
	if ord, ok := c.catOrder[category]; ok {
		return ord
	}
	return len(c.categories)
}

// Titles returns every known command title, unordered.
func (c *Catalog) Titles() []string {
	titles := make([]string, 0, len(c.defs))
	for t := range c.defs {
		titles = append(titles, t)
	}
	return titles
}
