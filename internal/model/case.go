package model

import (
	"log/slog"

	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// Case is an ordered sequence of stages: one version of the study. Cases
// created by Copy reference the same stage objects as their source until a
// mutation splits them (copy-on-write under an autocopy bracket). Run and
// backup cases are ordinary cases with a role tag.
type Case struct {
	graph.Entity

	name string
	role schema.CaseRole

	stages []*Stage

	// intermediate marks run-case stages that participate in execution but
	// whose results are not persisted for reuse by later run cases.
	intermediate map[schema.NodeID]bool

	study *Study
}

// Name returns the case name.
func (c *Case) Name() string { return c.name }

// Study returns the owning study.
func (c *Case) Study() *Study { return c.study }

// Role returns the case role tag.
func (c *Case) Role() schema.CaseRole { return c.role }

// IsCurrent reports whether this is the study's current case.
func (c *Case) IsCurrent() bool { return c.study.current == c }

// Stages returns the stages in order.
func (c *Case) Stages() []*Stage {
	out := make([]*Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// StageAt returns the stage at the 0-based index, or nil.
func (c *Case) StageAt(i int) *Stage {
	if i < 0 || i >= len(c.stages) {
		return nil
	}
	return c.stages[i]
}

// Stage returns the named stage, or nil.
func (c *Case) Stage(name string) *Stage {
	for _, st := range c.stages {
		if st.name == name {
			return st
		}
	}
	return nil
}

// AddStage appends a new empty graphical stage. Stage names are unique
// within the case, case-sensitively.
func (c *Case) AddStage(name string) (*Stage, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeState, "stage name is empty")
	}
	if c.Stage(name) != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"stage %q already exists in case %q", name, c.name)
	}
	st := &Stage{
		Entity: graph.NewEntity(),
		name:   name,
		mode:   schema.ModeGraphical,
		study:  c.study,
	}
	if err := c.study.g.Add(st, schema.Detached); err != nil {
		return nil, err
	}
	c.stages = append(c.stages, st)
	c.study.bump()
	c.study.emit(schema.EventStageAdded, c.name, name, st.ID(), nil)
	return st, nil
}

// RemoveStage deletes a stage from this case; when no other case shares
// it, the stage and its commands are destroyed. Dependents in later stages
// surface Dependency.
func (c *Case) RemoveStage(st *Stage) error {
	idx := -1
	for i, cs := range c.stages {
		if cs == st {
			idx = i
			break
		}
	}
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"stage %q not in case %q", st.name, c.name)
	}
	c.stages = append(c.stages[:idx], c.stages[idx+1:]...)
	if len(c.study.casesSharing(st)) == 0 {
		// Record names on dependents outside the stage before destroying.
		for _, cmd := range st.Commands() {
			st.removeNodeEdgesOnly(cmd)
		}
		c.study.destroyStage(st)
	}
	c.study.bump()
	c.study.emit(schema.EventStageDeleted, c.name, st.name, st.ID(), nil)
	return nil
}

// removeNodeEdgesOnly records the current name on every dependent
// reference, as removeNode does, without touching the insertion order.
func (st *Stage) removeNodeEdgesOnly(cmd *Command) {
	g := st.study.g
	id := cmd.ID()
	for _, childID := range g.Children(id) {
		child := st.study.command(childID)
		if child == nil {
			continue
		}
		child.keywords.WalkValues(func(v *schema.KeywordValue) {
			if v.Kind == schema.KindReference && v.Ref == id {
				v.RefName = cmd.name
			}
		})
	}
}

// Copy creates a new case referencing the same stage objects as this one.
// Nothing is cloned until a mutation inside an autocopy bracket splits a
// shared stage. The current case stays current.
func (c *Case) Copy(newName string) (*Case, error) {
	return c.copyWithRole(newName, schema.RoleStandard, schema.EventCaseCopied)
}

// Backup snapshots the case for rollback: a shared-stage copy tagged with
// the backup role. The snapshot stays intact as long as later edits run
// inside autocopy brackets.
func (c *Case) Backup(newName string) (*Case, error) {
	return c.copyWithRole(newName, schema.RoleBackup, schema.EventBackupCreated)
}

func (c *Case) copyWithRole(newName string, role schema.CaseRole, eventType string) (*Case, error) {
	if newName == "" || c.study.Case(newName) != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"case name %q empty or already taken", newName)
	}
	cp := &Case{
		Entity: graph.NewEntity(),
		name:   newName,
		role:   role,
		stages: append([]*Stage(nil), c.stages...),
		study:  c.study,
	}
	if err := c.study.g.Add(cp, schema.Detached); err != nil {
		return nil, err
	}
	c.study.cases = append(c.study.cases, cp)
	c.study.bump()
	c.study.emit(eventType, cp.name, "", cp.ID(), map[string]any{"source": c.name})
	return cp, nil
}

// CreateRunCase builds an execution snapshot: stages listed in reusable
// (0-based indices) are shared verbatim; every other stage is cloned with
// new identities and edges rewired to the clones. exec lists the stages to
// execute; exec stages absent from reusable are flagged intermediate:
// they run but their results are not persisted for reuse.
func (c *Case) CreateRunCase(name string, exec, reusable []int) (*Case, error) {
	if name == "" || c.study.Case(name) != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"case name %q empty or already taken", name)
	}
	reuse := make(map[int]bool, len(reusable))
	for _, i := range reusable {
		if i < 0 || i >= len(c.stages) {
			return nil, schema.NewErrorf(schema.ErrCodeState, "no stage at index %d", i)
		}
		reuse[i] = true
	}
	execSet := make(map[int]bool, len(exec))
	for _, i := range exec {
		if i < 0 || i >= len(c.stages) {
			return nil, schema.NewErrorf(schema.ErrCodeState, "no stage at index %d", i)
		}
		execSet[i] = true
	}

	rc := &Case{
		Entity:       graph.NewEntity(),
		name:         name,
		role:         schema.RoleRun,
		intermediate: make(map[schema.NodeID]bool),
		study:        c.study,
	}
	if err := c.study.g.Add(rc, schema.Detached); err != nil {
		return nil, err
	}

	idMap := make(map[schema.NodeID]schema.NodeID)
	for i, st := range c.stages {
		if reuse[i] {
			rc.stages = append(rc.stages, st)
			continue
		}
		clone := c.study.cloneStage(st, idMap)
		rc.stages = append(rc.stages, clone)
		if execSet[i] {
			rc.intermediate[clone.ID()] = true
		}
	}
	c.study.cases = append(c.study.cases, rc)
	c.study.bump()
	c.study.emit(schema.EventRunCaseCreated, rc.name, "", rc.ID(), map[string]any{"source": c.name})
	c.study.logger.Info("run case created",
		slog.String("case_name", rc.name),
		slog.Int("stages", len(rc.stages)))
	return rc, nil
}

// SetIntermediate flags or unflags a run-case stage as intermediate.
func (c *Case) SetIntermediate(st *Stage, intermediate bool) {
	if c.intermediate == nil {
		c.intermediate = make(map[schema.NodeID]bool)
	}
	if intermediate {
		c.intermediate[st.ID()] = true
	} else {
		delete(c.intermediate, st.ID())
	}
}

// IsIntermediate reports whether a stage's results are not persisted.
func (c *Case) IsIntermediate(st *Stage) bool {
	return c.intermediate[st.ID()]
}

// Delete removes this case and its dependents; the current case is never
// deletable.
func (c *Case) Delete() error {
	if c.IsCurrent() {
		return schema.NewErrorf(schema.ErrCodeState,
			"case %q is the current case and cannot be deleted", c.name)
	}
	return c.study.DeleteCase(c)
}

// cloneStage deep-copies a stage: new identities for the stage and every
// command, references and edges rewired to the clones. idMap accumulates
// original→clone ids across stages so later cloned stages rewire to
// earlier clones.
func (s *Study) cloneStage(st *Stage, idMap map[schema.NodeID]schema.NodeID) *Stage {
	clone := &Stage{
		Entity:    graph.NewEntity(),
		name:      st.name,
		mode:      st.mode,
		text:      st.text,
		study:     s,
		result:    st.result,
		originMap: make(map[schema.NodeID]schema.NodeID),
	}
	if err := s.g.Add(clone, schema.Detached); err != nil {
		panic("clone stage: " + err.Error())
	}

	for _, id := range st.commands {
		orig := s.command(id)
		if orig == nil {
			continue
		}
		cp := &Command{
			Entity:     graph.NewEntity(),
			kind:       orig.kind,
			title:      orig.title,
			name:       orig.name,
			keywords:   orig.keywords.Clone(),
			expression: orig.expression,
			text:       orig.text,
			def:        orig.def,
			typeTag:    orig.typeTag,
			stage:      clone,
		}
		if err := s.g.Add(cp, schema.Detached); err != nil {
			panic("clone command: " + err.Error())
		}
		idMap[id] = cp.ID()
		clone.originMap[id] = cp.ID()
		clone.commands = append(clone.commands, cp.ID())
	}

	// Rewire references and rebuild edges against the clone set.
	for origID, cloneID := range clone.originMap {
		cp := s.command(cloneID)
		cp.keywords.WalkValues(func(v *schema.KeywordValue) {
			if v.Kind == schema.KindReference && v.Ref != schema.Detached {
				if mapped, ok := idMap[v.Ref]; ok {
					v.Ref = mapped
				}
			}
		})
		for _, parent := range s.g.Parents(origID) {
			target := parent
			if mapped, ok := idMap[parent]; ok {
				target = mapped
			}
			if s.g.Has(target) {
				// Cloned from an acyclic graph, so this cannot cycle.
				_ = s.g.AddEdge(target, cloneID)
			}
		}
	}

	s.emit(schema.EventStageCopied, "", clone.name, clone.ID(), map[string]any{"source": st.ID()})
	return clone
}

// cloneStageFor is the copy-on-write split: it clones one shared stage for
// the mutating case, leaving every other case's view of the original
// untouched, and re-points references in the case's later exclusive stages
// at the clones.
func (s *Study) cloneStageFor(target *Case, st *Stage) *Stage {
	idx := -1
	for i, cs := range target.stages {
		if cs == st {
			idx = i
			break
		}
	}
	if idx < 0 {
		return st
	}

	idMap := make(map[schema.NodeID]schema.NodeID)
	clone := s.cloneStage(st, idMap)
	target.stages[idx] = clone

	// Later stages exclusive to the mutating case follow the clone;
	// shared later stages keep their original references on purpose;
	// repointing them would leak the edit into the sharing cases.
	for i := idx + 1; i < len(target.stages); i++ {
		later := target.stages[i]
		if len(s.casesSharing(later)) > 1 {
			continue
		}
		for _, cmd := range later.Commands() {
			cmd.keywords.WalkValues(func(v *schema.KeywordValue) {
				if v.Kind != schema.KindReference {
					return
				}
				if mapped, ok := idMap[v.Ref]; ok {
					s.g.RemoveEdge(v.Ref, cmd.ID())
					v.Ref = mapped
					_ = s.g.AddEdge(mapped, cmd.ID())
				}
			})
		}
	}

	s.bump()
	return clone
}
