package model

import (
	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// Macro expansion. A macro command may declare additional named outputs
// inline in its keyword values (new-result markers). Each marker owns one
// hidden command, inserted right after the macro in insertion order, with
// the macro as its parent. Re-expanding after an edit reconciles the set:
// untouched markers keep their hidden command, renamed markers rename it
// in place (identity and all edges to its dependents survive), removed
// markers delete it, new markers append. Renaming is never implemented as
// delete-and-recreate; that would spuriously break every dependent.

// markerDecl is one new-result marker with its declaring keyword context.
type markerDecl struct {
	name    string
	keyword string
}

// macroMarkers collects markers in declaration order. Order between
// distinct markers is stable; ordering among multiple untyped outputs
// produced by the same keyword occurrence is not guaranteed until each is
// typed, and callers must not rely on it.
func macroMarkers(macro *Command) []markerDecl {
	var decls []markerDecl
	for _, kw := range macro.keywords {
		top := kw.Name
		collectMarkers(kw.Value, top, &decls)
	}
	return decls
}

func collectMarkers(v schema.KeywordValue, top string, decls *[]markerDecl) {
	switch v.Kind {
	case schema.KindNewResult:
		*decls = append(*decls, markerDecl{name: v.Marker, keyword: top})
	case schema.KindGroup:
		for _, kw := range v.Group {
			collectMarkers(kw.Value, top, decls)
		}
	case schema.KindList:
		for _, item := range v.List {
			collectMarkers(item, top, decls)
		}
	}
}

// hiddenOutputs returns the macro's hidden commands in insertion order.
func (st *Stage) hiddenOutputs(macro *Command) []*Command {
	g := st.study.g
	var out []*Command
	for _, id := range st.commands {
		c := st.study.command(id)
		if c != nil && c.kind == KindHidden && g.HasEdge(macro.ID(), c.ID()) {
			out = append(out, c)
		}
	}
	return out
}

// expandMacro reconciles the macro's hidden outputs with its current
// markers. Called after every keyword edit of a macro command.
func (st *Stage) expandMacro(macro *Command) {
	desired := macroMarkers(macro)
	existing := st.hiddenOutputs(macro)

	byName := make(map[string]*Command, len(existing))
	for _, h := range existing {
		if _, dup := byName[h.name]; !dup {
			byName[h.name] = h
		}
	}

	assigned := make([]*Command, len(desired))
	used := make(map[*Command]bool, len(existing))

	// First pass: unchanged markers keep their hidden command.
	for i, d := range desired {
		if h, ok := byName[d.name]; ok && !used[h] {
			assigned[i] = h
			used[h] = true
		}
	}

	// Second pass: pair remaining markers with remaining hidden commands in
	// declaration order: a rename in place, identity preserved.
	var leftovers []*Command
	for _, h := range existing {
		if !used[h] {
			leftovers = append(leftovers, h)
		}
	}
	li := 0
	for i := range desired {
		if assigned[i] != nil || li >= len(leftovers) {
			continue
		}
		h := leftovers[li]
		li++
		old := h.name
		h.name = desired[i].name
		assigned[i] = h
		used[h] = true
		st.study.emit(schema.EventHiddenRenamed, caseName(st.ParentCase()), st.name, h.ID(),
			map[string]any{"from": old, "to": h.name})
	}

	// Markers gone: their hidden commands go too, dependents surface
	// Dependency rather than being deleted.
	for ; li < len(leftovers); li++ {
		st.removeNode(leftovers[li], schema.EventHiddenDeleted)
	}

	// New markers: fresh hidden commands appended at the end of the macro's
	// hidden-output block.
	insertAt := st.hiddenBlockEnd(macro)
	for i, d := range desired {
		if assigned[i] != nil {
			assigned[i].typeTag = macro.markerType(d.keyword)
			continue
		}
		h := &Command{
			Entity:  graph.NewEntity(),
			kind:    KindHidden,
			title:   HiddenTitle,
			name:    d.name,
			typeTag: macro.markerType(d.keyword),
			stage:   st,
		}
		if err := st.study.g.Add(h, macro.ID()); err != nil {
			// The macro is in the graph and h is detached; this cannot fail.
			continue
		}
		st.commands = append(st.commands, schema.Detached)
		copy(st.commands[insertAt+1:], st.commands[insertAt:])
		st.commands[insertAt] = h.ID()
		insertAt++
		assigned[i] = h
		st.study.emit(schema.EventHiddenCreated, caseName(st.ParentCase()), st.name, h.ID(),
			map[string]any{"name": d.name, "macro": macro.name})
	}

	st.study.bump()
}

// hiddenBlockEnd returns the insertion index just past the macro and its
// current hidden outputs.
func (st *Stage) hiddenBlockEnd(macro *Command) int {
	g := st.study.g
	end := len(st.commands)
	for i, id := range st.commands {
		if id == macro.ID() {
			end = i + 1
			for end < len(st.commands) {
				c := st.study.command(st.commands[end])
				if c == nil || c.kind != KindHidden || !g.HasEdge(macro.ID(), c.ID()) {
					break
				}
				end++
			}
			break
		}
	}
	return end
}

// deleteHiddenOutputs removes the macro's hidden commands, cascading the
// way any command deletion does. keep lists hidden commands to spare.
func (st *Stage) deleteHiddenOutputs(macro *Command, keep map[*Command]bool) {
	for _, h := range st.hiddenOutputs(macro) {
		if keep[h] {
			continue
		}
		st.removeNode(h, schema.EventHiddenDeleted)
	}
}

// markerType derives the result type of a hidden output declared under the
// given keyword.
func (c *Command) markerType(keyword string) catalog.TypeTag {
	if c.def == nil {
		return ""
	}
	return c.def.MarkerType(keyword)
}
