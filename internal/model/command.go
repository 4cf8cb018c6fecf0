// Package model implements the study data model: commands grouped into
// ordered stages within cases, kept topologically consistent under
// insertion, deletion and renaming, with fine-grained validity status
// propagating from commands to stages to cases.
package model

import (
	"fmt"
	"strings"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// Kind is the closed set of node variants held by a stage.
type Kind string

const (
	// KindCommand is a regular solver operation.
	KindCommand Kind = "command"
	// KindVariable is a named expression with no catalog keywords.
	KindVariable Kind = "variable"
	// KindHidden is an additional named output created by a macro command.
	KindHidden Kind = "hidden"
	// KindComment carries no semantics and produces nothing.
	KindComment Kind = "comment"
)

// HiddenTitle is the sentinel title of hidden commands.
const HiddenTitle = "_RESULT_OF_MACRO"

// Command is a single operation node. Its parents are every command
// referenced in its keyword values; its children are the commands that
// reference it. The title is immutable after creation, the name is not.
type Command struct {
	graph.Entity

	kind  Kind
	title string
	name  string

	// keywords is the keyword tree of a regular command.
	keywords schema.KeywordSet
	// expression is the body of a variable, text the body of a comment.
	expression string
	text       string

	// def is nil for unknown titles; such commands are permanently Syntaxic.
	def     *catalog.Definition
	typeTag catalog.TypeTag

	stage *Stage

	cacheGen   uint64
	cacheFlags schema.ValidityFlags
	cacheKnown bool
}

// Kind returns the node variant tag.
func (c *Command) Kind() Kind { return c.kind }

// Title returns the catalog operation type; immutable after creation.
func (c *Command) Title() string { return c.title }

// Name returns the user-visible identifier.
func (c *Command) Name() string { return c.name }

// Keywords returns the keyword tree. Callers must not mutate it; edits go
// through Stage.SetKeywords so edges and validity stay consistent.
func (c *Command) Keywords() schema.KeywordSet { return c.keywords }

// Expression returns the expression body of a variable, "" otherwise.
func (c *Command) Expression() string { return c.expression }

// Text returns the body of a comment, "" otherwise.
func (c *Command) Text() string { return c.text }

// Stage returns the owning stage.
func (c *Command) Stage() *Stage { return c.stage }

// Definition returns the catalog definition, or nil for unknown titles,
// variables, hidden commands and comments.
func (c *Command) Definition() *catalog.Definition { return c.def }

// TypeTag returns the produced result type, "" while untyped.
func (c *Command) TypeTag() catalog.TypeTag { return c.typeTag }

// Category returns the catalog category of the command, "" when unknown.
func (c *Command) Category() string {
	if c.def == nil {
		return ""
	}
	return c.def.Category
}

// IsMacro reports whether the command may declare additional named outputs.
func (c *Command) IsMacro() bool { return c.def != nil && c.def.Macro }

// IsDeleter reports whether the command destroys previously created results.
func (c *Command) IsDeleter() bool { return c.def != nil && c.def.Deleter }

// IsStarter reports whether the command initializes a stage.
func (c *Command) IsStarter() bool { return c.def != nil && c.def.Starter }

// producesResult reports whether the node owns a referencable name.
func (c *Command) producesResult() bool {
	switch c.kind {
	case KindVariable, KindHidden:
		return true
	case KindComment:
		return false
	}
	if c.def == nil {
		// Unknown title: assume it produces so references stay resolvable.
		return true
	}
	if c.def.Macro {
		return true
	}
	_, ok := c.def.ProducedType(c.keywords)
	return ok
}

// categoryOrder is the ordinal used as default ordering tie-break.
// Starters always come first, deleters after everything of their category.
func (c *Command) categoryOrder(cat *catalog.Catalog) int {
	if c.def == nil {
		// Unknown titles and variables sort before everything except
		// starters so definitions are available early.
		if c.kind == KindVariable || c.kind == KindComment {
			return -1
		}
		return len(cat.Categories())
	}
	if c.def.Starter {
		return -2
	}
	return c.def.CategoryOrder()
}

func (c *Command) String() string {
	return fmt.Sprintf("%s=%s<%d>", c.name, c.title, c.ID())
}

// autoName derives a default command name from a title, e.g.
// "LIRE_MAILLAGE" → "mailla". Uniqueness is the caller's concern.
func autoName(title string) string {
	parts := strings.Split(strings.ToLower(title), "_")
	base := parts[len(parts)-1]
	if base == "" {
		base = "cmd"
	}
	if len(base) > 8 {
		base = base[:8]
	}
	return base
}
