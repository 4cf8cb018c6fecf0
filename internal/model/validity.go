package model

import (
	"fmt"

	"github.com/rendis/studygraph/pkg/schema"
)

// Validity checking. Flags are data, not control flow: a study mid-edit is
// allowed to be invalid and the engine represents that state instead of
// refusing it. Results are cached per command and invalidated by any
// structural change; aggregation to stages and cases is lazy and bottom-up.

// Check returns the command's validity flags, computing them if stale.
// Catalog violations are folded into Syntaxic; nothing is ever raised.
func (c *Command) Check() schema.ValidityFlags {
	flags, _ := c.stage.study.CheckCommand(c, true)
	return flags
}

// CheckCommand computes the command's validity. With safe unset, the
// underlying catalog or expression violation propagates as an error for
// diagnostic tooling instead of being converted to a Syntaxic flag.
func (s *Study) CheckCommand(c *Command, safe bool) (schema.ValidityFlags, error) {
	if safe && c.cacheKnown && c.cacheGen == s.gen {
		return c.cacheFlags, nil
	}

	flags, err := s.checkSyntaxic(c, safe)
	if err != nil {
		return flags, err
	}
	flags |= s.checkDependency(c)
	flags |= s.checkNaming(c)

	c.cacheFlags = flags
	c.cacheGen = s.gen
	c.cacheKnown = true
	return flags, nil
}

// checkSyntaxic is the local check of a command's own keyword values
// against its catalog definition, independent of the graph.
func (s *Study) checkSyntaxic(c *Command, safe bool) (schema.ValidityFlags, error) {
	var cause error
	switch c.kind {
	case KindComment, KindHidden:
		return schema.Nothing, nil
	case KindVariable:
		cause = s.exprs.Compile(c.expression)
	default:
		if c.def == nil {
			cause = schema.NewErrorf(schema.ErrCodeCatalog,
				"unknown command title %s", c.title).WithCommand(c.name)
		} else {
			cause = c.def.CheckMandatory(c.keywords)
		}
	}
	if cause == nil {
		return schema.Nothing, nil
	}
	if !safe {
		return schema.Syntaxic, cause
	}
	return schema.Syntaxic, nil
}

// checkDependency flags references that are dangling, out of scope, or
// point at a command that is itself invalid.
func (s *Study) checkDependency(c *Command) schema.ValidityFlags {
	flags := schema.Nothing
	for _, ref := range c.keywords.References() {
		if ref.Ref == schema.Detached || !s.g.Has(ref.Ref) {
			flags |= schema.Dependency
			continue
		}
		target := s.command(ref.Ref)
		if target == nil || !s.stageVisibleFrom(c.stage, target.stage) {
			flags |= schema.Dependency
			continue
		}
		if tf, _ := s.CheckCommand(target, true); !tf.Ok() {
			flags |= schema.Dependency
		}
	}
	if c.kind == KindHidden {
		// A hidden output is broken when its generating macro is invalid.
		for _, pid := range s.g.Parents(c.ID()) {
			if p := s.command(pid); p != nil && p.IsMacro() {
				if pf, _ := s.CheckCommand(p, true); !pf.Ok() {
					flags |= schema.Dependency
				}
			}
		}
	}
	return flags
}

// stageVisibleFrom reports whether target is scope itself or one of its
// predecessors in the same case.
func (s *Study) stageVisibleFrom(scope, target *Stage) bool {
	for _, st := range s.visibleStages(scope) {
		if st == target {
			return true
		}
	}
	return false
}

// checkNaming flags name collisions among simultaneously visible commands
// where neither depends on the other. Result reuse, where the later command
// depends on the earlier owner of the name, is legal.
func (s *Study) checkNaming(c *Command) schema.ValidityFlags {
	if !c.producesResult() {
		return schema.Nothing
	}
	pc := c.stage.ParentCase()
	if pc == nil {
		return schema.Nothing
	}
	for _, st := range pc.stages {
		for _, id := range st.commands {
			d := s.command(id)
			if d == nil || d == c || d.name != c.name || !d.producesResult() {
				continue
			}
			if !s.g.HasPath(c.ID(), d.ID()) && !s.g.HasPath(d.ID(), c.ID()) {
				return schema.Naming
			}
		}
	}
	return schema.Nothing
}

// Check aggregates the stage's validity: the OR of all contained commands.
func (st *Stage) Check() schema.ValidityFlags {
	flags := schema.Nothing
	for _, c := range st.Sorted() {
		flags |= c.Check()
	}
	return flags
}

// Check aggregates the case's validity across its stages.
func (c *Case) Check() schema.ValidityFlags {
	flags := schema.Nothing
	for _, st := range c.stages {
		flags |= st.Check()
	}
	return flags
}

// Report builds the detailed validity report of the case, bottom-up. Each
// invalid command contributes one issue per raised flag, with the message
// of the underlying violation where there is one.
func (c *Case) Report() *schema.ValidityReport {
	s := c.study
	report := &schema.ValidityReport{}
	for _, st := range c.stages {
		for _, cmd := range st.Sorted() {
			flags := cmd.Check()
			if flags.Ok() {
				continue
			}
			path := fmt.Sprintf("case[%s].stage[%s].%s", c.name, st.name, cmd.name)
			if flags.Has(schema.Syntaxic) {
				msg := "keyword values rejected by the catalog"
				if _, err := s.CheckCommand(cmd, false); err != nil {
					msg = err.Error()
				}
				report.AddError(path, schema.Syntaxic, schema.ErrCodeCatalog, msg)
			}
			if flags.Has(schema.Dependency) {
				dangling := false
				for _, ref := range cmd.keywords.References() {
					if ref.Ref == schema.Detached || !s.g.Has(ref.Ref) {
						report.AddError(path, schema.Dependency, schema.ErrCodeNotFound,
							fmt.Sprintf("%s is not defined", ref.RefName))
						dangling = true
					}
				}
				if !dangling {
					report.AddError(path, schema.Dependency, schema.ErrCodeValidation,
						"depends on an invalid or out-of-scope command")
				}
			}
			if flags.Has(schema.Naming) {
				report.AddError(path, schema.Naming, schema.ErrCodeValidation,
					fmt.Sprintf("name %q is defined more than once", cmd.name))
			}
		}
	}
	return report
}

// Repair attempts automatic recovery of Dependency errors by re-resolving
// each broken reference against the currently visible commands, nearest
// match first. Deleters are considered last so a reference broken by a
// deletion is not rebound to a name the deleter is about to invalidate.
// Returns the residual validity; Syntaxic and genuine Naming conflicts are
// not repairable.
func (s *Study) Repair(c *Case) schema.ValidityFlags {
	for _, st := range c.stages {
		sorted := st.Sorted()
		ordered := make([]*Command, 0, len(sorted))
		var deleters []*Command
		for _, cmd := range sorted {
			if cmd.IsDeleter() {
				deleters = append(deleters, cmd)
			} else {
				ordered = append(ordered, cmd)
			}
		}
		ordered = append(ordered, deleters...)
		for _, cmd := range ordered {
			s.repairCommand(st, cmd)
		}
	}
	s.bump()
	return c.Check()
}

func (s *Study) repairCommand(st *Stage, cmd *Command) {
	repaired := false
	for _, ref := range cmd.keywords.References() {
		if ref.Ref != schema.Detached && s.g.Has(ref.Ref) {
			continue
		}
		if ref.RefName == "" {
			continue
		}
		target, ok := s.resolveSkipping(st, ref.RefName, cmd)
		if !ok {
			continue
		}
		if err := s.g.AddEdge(target.ID(), cmd.ID()); err != nil {
			// Rebinding would create a cycle; leave the reference broken.
			continue
		}
		ref.Ref = target.ID()
		repaired = true
	}
	if repaired {
		s.emit(schema.EventCommandEdited, caseName(st.ParentCase()), st.name, cmd.ID(),
			map[string]any{"repaired": true})
	}
}
