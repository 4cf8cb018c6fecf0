package model

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/expressions"
	"github.com/rendis/studygraph/internal/graph"
	"github.com/rendis/studygraph/pkg/schema"
)

// Recorder receives mutation events as they happen. Implemented by the
// store's event log; nil disables recording. The model never blocks on it.
type Recorder interface {
	Record(event *schema.Event)
}

// Study is the history container: all cases of a study, exactly one of
// which is current. It owns the entity graph every command and stage lives
// in. All operations are synchronous; the study assumes one logical
// mutator at a time.
type Study struct {
	id   string
	name string

	g     *graph.Graph
	cat   *catalog.Catalog
	exprs *expressions.Engine

	logger   *slog.Logger
	recorder Recorder

	cases   []*Case
	current *Case

	// autocopy counts nested copy-on-write brackets; >0 means mutations of
	// shared stages clone before applying.
	autocopy int

	// gen is bumped on every structural mutation; caches compare against it.
	gen uint64

	autoSeq map[string]int
}

// Option configures a Study at construction.
type Option func(*Study)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Study) { s.logger = l }
}

// WithRecorder sets the mutation event recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Study) { s.recorder = r }
}

// WithID restores a persisted study identity instead of minting a new one.
func WithID(id string) Option {
	return func(s *Study) { s.id = id }
}

// New creates a study with an empty current case. The catalog is injected
// here and used for every syntactic check and ordering decision.
func New(name string, cat *catalog.Catalog, opts ...Option) *Study {
	s := &Study{
		id:      uuid.New().String(),
		name:    name,
		g:       graph.New(),
		cat:     cat,
		exprs:   expressions.New(),
		logger:  slog.Default(),
		autoSeq: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	current := &Case{Entity: graph.NewEntity(), name: "Current", role: schema.RoleStandard, study: s}
	// The graph assigns case identity like any other entity.
	if err := s.g.Add(current, schema.Detached); err != nil {
		panic("add initial case: " + err.Error())
	}
	s.cases = append(s.cases, current)
	s.current = current
	return s
}

// ID returns the study identity.
func (s *Study) ID() string { return s.id }

// Name returns the study name.
func (s *Study) Name() string { return s.name }

// Catalog returns the injected command catalog.
func (s *Study) Catalog() *catalog.Catalog { return s.cat }

// Expressions returns the variable expression engine.
func (s *Study) Expressions() *expressions.Engine { return s.exprs }

// CurrentCase returns the single current case.
func (s *Study) CurrentCase() *Case { return s.current }

// Cases returns all cases in insertion order.
func (s *Study) Cases() []*Case {
	out := make([]*Case, len(s.cases))
	copy(out, s.cases)
	return out
}

// Case returns the named case, or nil.
func (s *Study) Case(name string) *Case {
	for _, c := range s.cases {
		if c.name == name {
			return c
		}
	}
	return nil
}

// SetCurrent makes c the current case. The previous current case stays in
// the study as an ordinary case and becomes deletable again.
func (s *Study) SetCurrent(c *Case) error {
	if c == nil || s.Case(c.name) != c {
		return schema.NewErrorf(schema.ErrCodeNotFound, "case %q not in study", caseName(c))
	}
	if c == s.current {
		return nil
	}
	old := s.current
	s.current = c
	s.bump()
	s.emit(schema.EventCurrentSwitched, c.name, "", schema.Detached,
		map[string]any{"from": old.name, "to": c.name})
	return nil
}

// EnableAutocopy opens a copy-on-write bracket: until the matching
// DisableAutocopy, mutating a stage shared with another case transparently
// clones it for the mutating case first. Brackets nest.
func (s *Study) EnableAutocopy() { s.autocopy++ }

// DisableAutocopy closes the innermost copy-on-write bracket.
func (s *Study) DisableAutocopy() {
	if s.autocopy > 0 {
		s.autocopy--
	}
}

// AutocopyEnabled reports whether a copy-on-write bracket is open. Outside
// one, mutating a shared stage mutates it for every sharer; that broadcast
// is deliberate for some callers.
func (s *Study) AutocopyEnabled() bool { return s.autocopy > 0 }

// DeleteCase removes a case and every case depending on it (sharing a
// stage, transitively). The current case can never be deleted, directly or
// through the cascade.
func (s *Study) DeleteCase(c *Case) error {
	if c == nil || s.Case(c.name) != c {
		return schema.NewErrorf(schema.ErrCodeNotFound, "case %q not in study", caseName(c))
	}
	doomed := s.dependentClosure(c)
	for _, d := range doomed {
		if d == s.current {
			return schema.NewErrorf(schema.ErrCodeState,
				"cannot delete case %q: the current case %q would be deleted", c.name, d.name)
		}
	}
	for _, d := range doomed {
		s.removeCase(d)
	}
	s.bump()
	return nil
}

// dependentClosure returns c plus every case transitively sharing a stage
// with it, dependents first so deletion order is safe.
func (s *Study) dependentClosure(c *Case) []*Case {
	doomedSet := map[*Case]bool{c: true}
	for changed := true; changed; {
		changed = false
		for _, other := range s.cases {
			if doomedSet[other] {
				continue
			}
			for _, st := range other.stages {
				if s.stageSharedWithDoomed(st, doomedSet) {
					doomedSet[other] = true
					changed = true
					break
				}
			}
		}
	}
	var doomed []*Case
	// Reverse insertion order: dependents were created later.
	for i := len(s.cases) - 1; i >= 0; i-- {
		if doomedSet[s.cases[i]] {
			doomed = append(doomed, s.cases[i])
		}
	}
	return doomed
}

func (s *Study) stageSharedWithDoomed(st *Stage, doomed map[*Case]bool) bool {
	for dc := range doomed {
		for _, ds := range dc.stages {
			if ds == st {
				return true
			}
		}
	}
	return false
}

// removeCase detaches a case and destroys any stage no longer referenced
// by a surviving case.
func (s *Study) removeCase(c *Case) {
	for i, other := range s.cases {
		if other == c {
			s.cases = append(s.cases[:i], s.cases[i+1:]...)
			break
		}
	}
	for _, st := range c.stages {
		if len(s.casesSharing(st)) == 0 {
			s.destroyStage(st)
		}
	}
	s.g.Remove(c.ID())
	s.emit(schema.EventCaseDeleted, c.name, "", schema.Detached, nil)
	s.logger.Info("case deleted", slog.String("case_name", c.name))
}

// destroyStage removes a stage and all its commands from the graph.
func (s *Study) destroyStage(st *Stage) {
	for _, id := range st.commands {
		s.g.Remove(id)
	}
	st.commands = nil
	s.g.Remove(st.ID())
}

// casesSharing returns every case referencing the stage.
func (s *Study) casesSharing(st *Stage) []*Case {
	var sharers []*Case
	for _, c := range s.cases {
		for _, cs := range c.stages {
			if cs == st {
				sharers = append(sharers, c)
				break
			}
		}
	}
	return sharers
}

// command returns the command with the given id, or nil.
func (s *Study) command(id schema.NodeID) *Command {
	if n := s.g.Get(id); n != nil {
		if c, ok := n.(*Command); ok {
			return c
		}
	}
	return nil
}

// bump invalidates every cached ordering and validity result.
func (s *Study) bump() { s.gen++ }

// nextAutoName returns a fresh default name derived from the title.
func (s *Study) nextAutoName(title string) string {
	base := autoName(title)
	s.autoSeq[base]++
	if s.autoSeq[base] == 1 {
		return base
	}
	return base + strconv.Itoa(s.autoSeq[base]-1)
}

// emit records a mutation event if a recorder is attached.
func (s *Study) emit(eventType, caseName, stageName string, nodeID schema.NodeID, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	s.recorder.Record(&schema.Event{
		ID:        uuid.New().String(),
		StudyID:   s.id,
		Type:      eventType,
		CaseName:  caseName,
		StageName: stageName,
		NodeID:    nodeID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}

func caseName(c *Case) string {
	if c == nil {
		return ""
	}
	return c.name
}
