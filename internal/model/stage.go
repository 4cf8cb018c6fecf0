package model

import (
	"log/slog"
	"time"

	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// Sentinel titles for the node variants the catalog does not describe.
const (
	VariableTitle = "_VARIABLE"
	CommentTitle  = "_COMMENT"
)

// Result is the recorded outcome of an external run of a stage.
type Result struct {
	State     schema.ResultState
	Message   string
	UpdatedAt time.Time
}

// Stage is an ordered sequence of commands, one unit of a study. The
// command slice is the authoritative insertion order used for rendering;
// the dependency order used for validity and execution comes from Sorted.
// A stage may be referenced by several cases at once (sharing).
type Stage struct {
	graph.Entity

	name string
	mode schema.StageMode
	text string

	// commands is the insertion-ordered id sequence, a permutation of
	// exactly the commands owned by this stage.
	commands []schema.NodeID

	study *Study

	sorted    []schema.NodeID
	sortedGen uint64
	sortedOK  bool

	result Result

	// originMap maps original command ids to this stage's clones when the
	// stage was produced by a copy-on-write split.
	originMap map[schema.NodeID]schema.NodeID
}

// Name returns the stage name, unique within its owning case at creation.
func (st *Stage) Name() string { return st.name }

// Mode returns the representation mode.
func (st *Stage) Mode() schema.StageMode { return st.mode }

// Text returns the raw text of a text-mode stage.
func (st *Stage) Text() string { return st.text }

// ParentCase returns the case this stage belongs to: the current case when
// it references the stage, otherwise the first case that does. This is a
// relation lookup, never an ownership decision.
func (st *Stage) ParentCase() *Case {
	for _, cs := range st.study.current.stages {
		if cs == st {
			return st.study.current
		}
	}
	for _, c := range st.study.cases {
		for _, cs := range c.stages {
			if cs == st {
				return c
			}
		}
	}
	return nil
}

// Number returns the 1-based position of the stage within its parent case,
// or 0 when orphaned.
func (st *Stage) Number() int {
	c := st.ParentCase()
	if c == nil {
		return 0
	}
	for i, cs := range c.stages {
		if cs == st {
			return i + 1
		}
	}
	return 0
}

// CommandIDs returns the insertion-ordered command ids.
func (st *Stage) CommandIDs() []schema.NodeID {
	out := make([]schema.NodeID, len(st.commands))
	copy(out, st.commands)
	return out
}

// Commands returns the commands in insertion order.
func (st *Stage) Commands() []*Command {
	out := make([]*Command, 0, len(st.commands))
	for _, id := range st.commands {
		if c := st.study.command(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Command returns the named command of this stage (last by dependency
// order when duplicated), or nil.
func (st *Stage) Command(name string) *Command {
	sorted := st.Sorted()
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].name == name && sorted[i].kind != KindComment {
			return sorted[i]
		}
	}
	return nil
}

// Result returns the recorded run outcome.
func (st *Stage) Result() Result { return st.result }

// RecordResult stores a status reported back by the external runner.
// Setting the same state again is an idempotent no-op, so error and
// interrupted flags may be applied at any time without guards.
func (st *Stage) RecordResult(state schema.ResultState, message string) {
	if st.result.State == state && st.result.Message == message {
		return
	}
	st.result = Result{State: state, Message: message, UpdatedAt: time.Now().UTC()}
	st.study.emit(schema.EventResultRecorded, caseName(st.ParentCase()), st.name, st.ID(),
		map[string]any{"state": string(state), "message": message})
}

// forWrite applies the copy-on-write policy: inside an autocopy bracket a
// mutation of a stage shared with at least one other case first clones the
// stage for the mutating case (preferring the current case) and lands on
// the clone. Outside a bracket mutation is an in-place broadcast.
func (st *Stage) forWrite() *Stage {
	s := st.study
	if !s.AutocopyEnabled() {
		return st
	}
	sharers := s.casesSharing(st)
	if len(sharers) <= 1 {
		return st
	}
	target := sharers[0]
	for _, c := range sharers {
		if c == s.current {
			target = c
			break
		}
	}
	return s.cloneStageFor(target, st)
}

// counterpart translates a command pointer from the pre-clone stage into
// its clone after a copy-on-write split.
func (st *Stage) counterpart(cmd *Command) *Command {
	if cmd == nil || cmd.stage == st {
		return cmd
	}
	if st.originMap != nil {
		if nid, ok := st.originMap[cmd.ID()]; ok {
			return st.study.command(nid)
		}
	}
	return cmd
}

// AddCommand creates a command of the given catalog title and appends it.
// An empty name gets an auto-generated one. Unknown titles are accepted and
// stay Syntaxic until the catalog knows them: a study mid-edit is allowed
// to be invalid.
func (st *Stage) AddCommand(title, name string) (*Command, error) {
	st = st.forWrite()
	if st.mode != schema.ModeGraphical {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"stage %q is in text mode", st.name)
	}
	if title == "" {
		return nil, schema.NewError(schema.ErrCodeState, "command title is empty")
	}
	def, _ := st.study.cat.Get(title)
	if name == "" {
		name = st.study.nextAutoName(title)
	}
	cmd := &Command{
		Entity: graph.NewEntity(),
		kind:   KindCommand,
		title:  title,
		name:   name,
		def:    def,
		stage:  st,
	}
	if def != nil {
		if t, ok := def.ProducedType(nil); ok {
			cmd.typeTag = t
		}
	}
	if err := st.study.g.Add(cmd, schema.Detached); err != nil {
		return nil, err
	}
	st.commands = append(st.commands, cmd.ID())
	st.study.bump()
	st.study.emit(schema.EventCommandAdded, caseName(st.ParentCase()), st.name, cmd.ID(),
		map[string]any{"title": title, "name": name})
	return cmd, nil
}

// AddVariable creates a named expression command.
func (st *Stage) AddVariable(name, expression string) (*Command, error) {
	st = st.forWrite()
	if st.mode != schema.ModeGraphical {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"stage %q is in text mode", st.name)
	}
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeState, "variable name is empty")
	}
	v := &Command{
		Entity:     graph.NewEntity(),
		kind:       KindVariable,
		title:      VariableTitle,
		name:       name,
		expression: expression,
		stage:      st,
	}
	if err := st.study.g.Add(v, schema.Detached); err != nil {
		return nil, err
	}
	st.commands = append(st.commands, v.ID())
	st.study.bump()
	st.study.emit(schema.EventCommandAdded, caseName(st.ParentCase()), st.name, v.ID(),
		map[string]any{"title": VariableTitle, "name": name})
	return v, nil
}

// AddComment creates a comment node; comments produce nothing and are
// never referenced.
func (st *Stage) AddComment(text string) (*Command, error) {
	st = st.forWrite()
	if st.mode != schema.ModeGraphical {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"stage %q is in text mode", st.name)
	}
	c := &Command{
		Entity: graph.NewEntity(),
		kind:   KindComment,
		title:  CommentTitle,
		text:   text,
		stage:  st,
	}
	if err := st.study.g.Add(c, schema.Detached); err != nil {
		return nil, err
	}
	st.commands = append(st.commands, c.ID())
	st.study.bump()
	return c, nil
}

// SetExpression replaces a variable's expression body.
func (st *Stage) SetExpression(cmd *Command, expression string) error {
	st = st.forWrite()
	cmd = st.counterpart(cmd)
	if cmd.stage != st {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"command %q not owned by stage %q", cmd.name, st.name).WithCommand(cmd.name)
	}
	if cmd.kind != KindVariable {
		return schema.NewErrorf(schema.ErrCodeState,
			"%q is not a variable", cmd.name).WithCommand(cmd.name)
	}
	cmd.expression = expression
	st.study.bump()
	st.study.emit(schema.EventCommandEdited, caseName(st.ParentCase()), st.name, cmd.ID(), nil)
	return nil
}

// SetKeywords replaces the command's keyword tree, rebuilding dependency
// edges. Unresolved references are resolved by name against the visible
// scope; names that stay unresolved simply surface as Dependency validity
// later; only cycles and ownership violations are errors, and a failed
// call leaves the command and graph exactly as they were.
func (st *Stage) SetKeywords(cmd *Command, kws schema.KeywordSet) error {
	st = st.forWrite()
	cmd = st.counterpart(cmd)
	g := st.study.g
	if cmd.stage != st {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"command %q not owned by stage %q", cmd.name, st.name).WithCommand(cmd.name)
	}
	if cmd.kind != KindCommand {
		return schema.NewErrorf(schema.ErrCodeState,
			"%q does not carry keywords", cmd.name).WithCommand(cmd.name)
	}

	kws = kws.Clone()

	// Resolve by-name references, skipping the command itself so result
	// reuse (`mesh = DEFI_GROUP(MAILLAGE=mesh)`) binds the previous owner
	// of the name.
	newParents := make(map[schema.NodeID]struct{})
	for _, ref := range kws.References() {
		if ref.Ref == schema.Detached && ref.RefName != "" {
			if target, ok := st.study.resolveSkipping(st, ref.RefName, cmd); ok {
				ref.Ref = target.ID()
			}
		}
		if ref.Ref != schema.Detached && g.Has(ref.Ref) {
			if ref.RefName == "" {
				ref.RefName = g.Get(ref.Ref).Name()
			}
			newParents[ref.Ref] = struct{}{}
		}
	}

	// Hidden outputs keep their macro edge; every other parent edge is
	// keyword-derived and gets rebuilt here.
	oldParents := make(map[schema.NodeID]struct{})
	for _, p := range g.Parents(cmd.ID()) {
		oldParents[p] = struct{}{}
	}

	var added []schema.NodeID
	for p := range newParents {
		if _, ok := oldParents[p]; ok {
			continue
		}
		if err := g.AddEdge(p, cmd.ID()); err != nil {
			for _, a := range added {
				g.RemoveEdge(a, cmd.ID())
			}
			return err
		}
		added = append(added, p)
	}
	for p := range oldParents {
		if _, ok := newParents[p]; !ok {
			g.RemoveEdge(p, cmd.ID())
		}
	}

	cmd.keywords = kws
	if cmd.def != nil {
		if t, ok := cmd.def.ProducedType(kws); ok {
			cmd.typeTag = t
		} else {
			cmd.typeTag = ""
		}
	}

	st.study.bump()
	if cmd.IsMacro() {
		st.expandMacro(cmd)
	}
	st.study.emit(schema.EventCommandEdited, caseName(st.ParentCase()), st.name, cmd.ID(), nil)
	return nil
}

// Rename changes the user-visible identifier. Edges never change: dependents
// keep pointing at the same id, and resolution is always live, so they are
// unaffected except for possible new name collisions.
func (st *Stage) Rename(cmd *Command, newName string) error {
	st = st.forWrite()
	cmd = st.counterpart(cmd)
	if cmd.stage != st {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"command %q not owned by stage %q", cmd.name, st.name).WithCommand(cmd.name)
	}
	if cmd.kind == KindHidden {
		return schema.NewErrorf(schema.ErrCodeState,
			"%q is a macro output; rename its marker instead", cmd.name).WithCommand(cmd.name)
	}
	if newName == "" {
		return schema.NewError(schema.ErrCodeState, "command name cannot be empty")
	}
	old := cmd.name
	if old == newName {
		return nil
	}
	cmd.name = newName
	st.study.bump()
	st.study.emit(schema.EventCommandRenamed, caseName(st.ParentCase()), st.name, cmd.ID(),
		map[string]any{"from": old, "to": newName})
	return nil
}

// DeleteCommand removes the command from the stage and the graph. Hidden
// outputs of a macro are removed with it; commands that referenced it stay
// in place and surface Dependency on their next check.
func (st *Stage) DeleteCommand(cmd *Command) error {
	st = st.forWrite()
	cmd = st.counterpart(cmd)
	if cmd.stage != st {
		return schema.NewErrorf(schema.ErrCodeStructural,
			"command %q not owned by stage %q", cmd.name, st.name).WithCommand(cmd.name)
	}
	if cmd.kind == KindHidden {
		return schema.NewErrorf(schema.ErrCodeState,
			"%q is a macro output; remove its marker instead", cmd.name).WithCommand(cmd.name)
	}
	if cmd.IsMacro() {
		st.deleteHiddenOutputs(cmd, nil)
	}
	st.removeNode(cmd, schema.EventCommandDeleted)
	return nil
}

// removeNode drops one command: records the current target name on every
// dependent reference so repair can rebind by name, detaches it from the
// insertion order and the graph.
func (st *Stage) removeNode(cmd *Command, eventType string) {
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
	for i, cid := range st.commands {
		if cid == id {
			st.commands = append(st.commands[:i], st.commands[i+1:]...)
			break
		}
	}
	g.Remove(id)
	st.study.bump()
	st.study.emit(eventType, caseName(st.ParentCase()), st.name, id,
		map[string]any{"title": cmd.title, "name": cmd.name})
	st.study.logger.Debug("command removed",
		slog.String("stage_name", st.name),
		slog.String("command", cmd.name))
}

// Specs extracts the parser/renderer boundary shape: the stage as an
// ordered sequence of (title, name, keywords) tuples, references carried by
// name. Hidden commands are omitted: re-expanding their macro recreates
// them.
func (st *Stage) Specs() []schema.CommandSpec {
	g := st.study.g
	specs := make([]schema.CommandSpec, 0, len(st.commands))
	for _, c := range st.Commands() {
		if c.kind == KindHidden {
			continue
		}
		spec := schema.CommandSpec{Title: c.title, Name: c.name}
		switch c.kind {
		case KindVariable:
			spec.Keywords = schema.KeywordSet{{Name: "EXPR", Value: schema.Lit(c.expression)}}
		case KindComment:
			spec.Keywords = schema.KeywordSet{{Name: "TEXT", Value: schema.Lit(c.text)}}
		default:
			kws := c.keywords.Clone()
			kws.WalkValues(func(v *schema.KeywordValue) {
				if v.Kind != schema.KindReference {
					return
				}
				if v.Ref != schema.Detached && g.Has(v.Ref) {
					v.RefName = g.Get(v.Ref).Name()
				}
				v.Ref = schema.Detached
			})
			spec.Keywords = kws
		}
		specs = append(specs, spec)
	}
	return specs
}

// Populate bulk-loads the stage from boundary tuples, in order. Unresolved
// names become Dependency validity rather than failures; only structural
// misuse aborts, leaving previously added commands in place.
func (st *Stage) Populate(specs []schema.CommandSpec) error {
	for _, spec := range specs {
		switch spec.Title {
		case VariableTitle:
			expression := ""
			if v, ok := spec.Keywords.Get("EXPR"); ok {
				expression, _ = v.Literal.(string)
			}
			if _, err := st.AddVariable(spec.Name, expression); err != nil {
				return err
			}
		case CommentTitle:
			text := ""
			if v, ok := spec.Keywords.Get("TEXT"); ok {
				text, _ = v.Literal.(string)
			}
			if _, err := st.AddComment(text); err != nil {
				return err
			}
		default:
			cmd, err := st.AddCommand(spec.Title, spec.Name)
			if err != nil {
				return err
			}
			if len(spec.Keywords) > 0 {
				if err := cmd.stage.SetKeywords(cmd, spec.Keywords); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
