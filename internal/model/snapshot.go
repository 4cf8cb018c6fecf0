package model

import (
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/expressions"
	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// StudySnapshot is the complete serializable state of a study. Node ids are
// preserved verbatim so references, edges and stage sharing survive a
// save/load round trip.
type StudySnapshot struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CatalogVersion string          `json:"catalog_version"`
	Current        string          `json:"current"`
	Stages         []StageSnapshot `json:"stages"`
	Cases          []CaseSnapshot  `json:"cases"`
	AutoSeq        map[string]int  `json:"auto_seq,omitempty"`
}

// StageSnapshot captures one stage. Stages shared between cases appear once
// here and are referenced by id from each sharing case.
type StageSnapshot struct {
	ID       schema.NodeID                   `json:"id"`
	Name     string                          `json:"name"`
	Mode     schema.StageMode                `json:"mode"`
	Text     string                          `json:"text,omitempty"`
	Commands []CommandSnapshot               `json:"commands"`
	Result   *ResultSnapshot                 `json:"result,omitempty"`
	Origins  map[schema.NodeID]schema.NodeID `json:"origins,omitempty"`
}

// CommandSnapshot captures one command node with its dependency parents.
type CommandSnapshot struct {
	ID         schema.NodeID     `json:"id"`
	Kind       Kind              `json:"kind"`
	Title      string            `json:"title"`
	Name       string            `json:"name"`
	Keywords   schema.KeywordSet `json:"keywords,omitempty"`
	Expression string            `json:"expression,omitempty"`
	Text       string            `json:"text,omitempty"`
	TypeTag    catalog.TypeTag   `json:"type_tag,omitempty"`
	Parents    []schema.NodeID   `json:"parents,omitempty"`
}

// CaseSnapshot captures one case; stages are referenced by id.
type CaseSnapshot struct {
	ID           schema.NodeID   `json:"id"`
	Name         string          `json:"name"`
	Role         schema.CaseRole `json:"role"`
	StageIDs     []schema.NodeID `json:"stage_ids"`
	Intermediate []schema.NodeID `json:"intermediate,omitempty"`
}

// ResultSnapshot captures a recorded stage result.
type ResultSnapshot struct {
	State     schema.ResultState `json:"state"`
	Message   string             `json:"message,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Snapshot captures the full study state. The returned value is detached:
// later mutations of the study do not affect it.
func (s *Study) Snapshot() *StudySnapshot {
	snap := &StudySnapshot{
		ID:             s.id,
		Name:           s.name,
		CatalogVersion: s.cat.Version(),
		Current:        s.current.name,
	}
	if len(s.autoSeq) > 0 {
		snap.AutoSeq = make(map[string]int, len(s.autoSeq))
		for k, v := range s.autoSeq {
			snap.AutoSeq[k] = v
		}
	}
	seen := make(map[*Stage]bool)
	for _, c := range s.cases {
		cs := CaseSnapshot{ID: c.ID(), Name: c.name, Role: c.role}
		for _, st := range c.stages {
			cs.StageIDs = append(cs.StageIDs, st.ID())
			if !seen[st] {
				seen[st] = true
				snap.Stages = append(snap.Stages, s.snapshotStage(st))
			}
		}
		for _, id := range sortedNodeIDs(c.intermediate) {
			cs.Intermediate = append(cs.Intermediate, id)
		}
		snap.Cases = append(snap.Cases, cs)
	}
	return snap
}

func (s *Study) snapshotStage(st *Stage) StageSnapshot {
	ss := StageSnapshot{
		ID:   st.ID(),
		Name: st.name,
		Mode: st.mode,
		Text: st.text,
	}
	if st.result.State != "" {
		ss.Result = &ResultSnapshot{
			State:     st.result.State,
			Message:   st.result.Message,
			UpdatedAt: st.result.UpdatedAt,
		}
	}
	if len(st.originMap) > 0 {
		ss.Origins = make(map[schema.NodeID]schema.NodeID, len(st.originMap))
		for k, v := range st.originMap {
			ss.Origins[k] = v
		}
	}
	for _, id := range st.commands {
		c := s.command(id)
		if c == nil {
			continue
		}
		ss.Commands = append(ss.Commands, CommandSnapshot{
			ID:         c.ID(),
			Kind:       c.kind,
			Title:      c.title,
			Name:       c.name,
			Keywords:   c.keywords.Clone(),
			Expression: c.expression,
			Text:       c.text,
			TypeTag:    c.typeTag,
			Parents:    s.g.Parents(id),
		})
	}
	return ss
}

// FromSnapshot rebuilds a study from a snapshot against the given catalog.
// Node ids, dependency edges, stage sharing and the current case marker are
// restored exactly; caches rebuild lazily on first use.
func FromSnapshot(snap *StudySnapshot, cat *catalog.Catalog, opts ...Option) (*Study, error) {
	s := &Study{
		id:      snap.ID,
		name:    snap.Name,
		g:       graph.New(),
		cat:     cat,
		exprs:   expressions.New(),
		logger:  slog.Default(),
		autoSeq: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	for k, v := range snap.AutoSeq {
		s.autoSeq[k] = v
	}
	if snap.CatalogVersion != "" && snap.CatalogVersion != cat.Version() {
		s.logger.Warn("catalog version changed since save",
			slog.String("study_id", s.id),
			slog.String("saved", snap.CatalogVersion),
			slog.String("loaded", cat.Version()))
	}

	stagesByID := make(map[schema.NodeID]*Stage, len(snap.Stages))
	for i := range snap.Stages {
		ss := &snap.Stages[i]
		st := &Stage{
			Entity: graph.NewEntity(),
			name:   ss.Name,
			mode:   ss.Mode,
			text:   ss.Text,
			study:  s,
		}
		if ss.Result != nil {
			st.result = Result{
				State:     ss.Result.State,
				Message:   ss.Result.Message,
				UpdatedAt: ss.Result.UpdatedAt,
			}
		}
		if len(ss.Origins) > 0 {
			st.originMap = make(map[schema.NodeID]schema.NodeID, len(ss.Origins))
			for k, v := range ss.Origins {
				st.originMap[k] = v
			}
		}
		if err := s.g.Restore(st, ss.ID); err != nil {
			return nil, err
		}
		stagesByID[ss.ID] = st
		for _, cs := range ss.Commands {
			c := &Command{
				Entity:     graph.NewEntity(),
				kind:       cs.Kind,
				title:      cs.Title,
				name:       cs.Name,
				keywords:   cs.Keywords.Clone(),
				expression: cs.Expression,
				text:       cs.Text,
				typeTag:    cs.TypeTag,
				stage:      st,
			}
			if cs.Kind == KindCommand {
				c.def, _ = cat.Get(cs.Title)
			}
			if err := s.g.Restore(c, cs.ID); err != nil {
				return nil, err
			}
			st.commands = append(st.commands, cs.ID)
		}
	}

	// Edges only after every node exists; a snapshot of a valid study holds
	// a DAG so insertion order does not matter.
	for i := range snap.Stages {
		for _, cs := range snap.Stages[i].Commands {
			for _, parent := range cs.Parents {
				if err := s.g.AddEdge(parent, cs.ID); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStructural,
						"restore edge %d->%d: %v", parent, cs.ID, err)
				}
			}
		}
	}

	for _, cs := range snap.Cases {
		c := &Case{
			Entity: graph.NewEntity(),
			name:   cs.Name,
			role:   cs.Role,
			study:  s,
		}
		for _, sid := range cs.StageIDs {
			st := stagesByID[sid]
			if st == nil {
				return nil, schema.NewErrorf(schema.ErrCodeStructural,
					"case %q references unknown stage %d", cs.Name, sid)
			}
			c.stages = append(c.stages, st)
		}
		if len(cs.Intermediate) > 0 {
			c.intermediate = make(map[schema.NodeID]bool, len(cs.Intermediate))
			for _, id := range cs.Intermediate {
				c.intermediate[id] = true
			}
		}
		if err := s.g.Restore(c, cs.ID); err != nil {
			return nil, err
		}
		s.cases = append(s.cases, c)
	}

	s.current = s.Case(snap.Current)
	if s.current == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"current case %q not in snapshot", snap.Current)
	}
	return s, nil
}

func sortedNodeIDs(set map[schema.NodeID]bool) []schema.NodeID {
	if len(set) == 0 {
		return nil
	}
	out := make([]schema.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
