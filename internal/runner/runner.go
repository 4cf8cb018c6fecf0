// Package runner is the read-only boundary an external solver driver works
// against: it flattens a case into dependency-ordered execution snapshots
// with file bindings, and routes the reported outcomes back onto the model.
// It never executes anything itself.
package runner

import (
	"sort"

	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/pkg/schema"
)

// CaseSnapshot is one case flattened for execution, stages in case order.
type CaseSnapshot struct {
	StudyID  string          `json:"study_id"`
	CaseName string          `json:"case_name"`
	Role     schema.CaseRole `json:"role"`
	Stages   []StageSnapshot `json:"stages"`
}

// StageSnapshot is one stage ready to hand to a driver. Commands appear in
// dependency order; a text-mode stage carries its raw body instead.
type StageSnapshot struct {
	Name         string               `json:"name"`
	Number       int                  `json:"number"`
	Mode         schema.StageMode     `json:"mode"`
	Text         string               `json:"text,omitempty"`
	Intermediate bool                 `json:"intermediate,omitempty"`
	Result       schema.ResultState   `json:"result,omitempty"`
	Commands     []schema.CommandSpec `json:"commands,omitempty"`
	Files        []FileBinding        `json:"files,omitempty"`
}

// FileBinding is a logical file unit a stage reads or writes, derived from
// the catalog's file-keyword declarations and the literal unit numbers the
// commands carry.
type FileBinding struct {
	Command   string `json:"command"`
	Keyword   string `json:"keyword"`
	Direction string `json:"direction"`
	Unit      int    `json:"unit,omitempty"`
}

// Completed reports whether the stage already holds a successful result and
// may be skipped when re-running the case.
func (ss *StageSnapshot) Completed() bool {
	return ss.Result == schema.ResultSuccess
}

// Snapshot flattens a case for execution. Every stage must be fully valid:
// handing a broken stage to a solver wastes a run, so the first invalid
// stage aborts with the case's validity report folded into the error.
func Snapshot(c *model.Case) (*CaseSnapshot, error) {
	if flags := c.Check(); !flags.Ok() {
		report := c.Report()
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"case %q is not runnable (%s): %d issue(s)", c.Name(), flags, len(report.Errors))
	}
	snap := &CaseSnapshot{
		StudyID:  c.Study().ID(),
		CaseName: c.Name(),
		Role:     c.Role(),
	}
	for i, st := range c.Stages() {
		ss := StageSnapshot{
			Name:         st.Name(),
			Number:       i + 1,
			Mode:         st.Mode(),
			Intermediate: c.IsIntermediate(st),
			Result:       st.Result().State,
		}
		if st.Mode() == schema.ModeText {
			ss.Text = st.Text()
		} else {
			ss.Commands = orderedSpecs(st)
			ss.Files = fileBindings(st)
		}
		snap.Stages = append(snap.Stages, ss)
	}
	return snap, nil
}

// orderedSpecs renders the stage's boundary tuples in dependency order
// instead of insertion order. Specs are aligned positionally with the
// stage's visible commands, then reordered by their sorted rank.
func orderedSpecs(st *model.Stage) []schema.CommandSpec {
	rank := make(map[schema.NodeID]int)
	for i, c := range st.Sorted() {
		rank[c.ID()] = i
	}
	var visible []*model.Command
	for _, c := range st.Commands() {
		if c.Kind() != model.KindHidden {
			visible = append(visible, c)
		}
	}
	specs := st.Specs()
	idx := make([]int, len(specs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return rank[visible[idx[a]].ID()] < rank[visible[idx[b]].ID()]
	})
	ordered := make([]schema.CommandSpec, len(specs))
	for i, j := range idx {
		ordered[i] = specs[j]
	}
	return ordered
}

// fileBindings collects the logical units the stage touches.
func fileBindings(st *model.Stage) []FileBinding {
	var files []FileBinding
	for _, c := range st.Sorted() {
		def := c.Definition()
		if def == nil {
			continue
		}
		for _, kw := range def.FileKeywords() {
			v, ok := c.Keywords().Get(kw.Name)
			if !ok {
				continue
			}
			fb := FileBinding{Command: c.Name(), Keyword: kw.Name, Direction: kw.File}
			if unit, isInt := v.Literal.(int); isInt {
				fb.Unit = unit
			} else if unit, isFloat := v.Literal.(float64); isFloat {
				fb.Unit = int(unit)
			}
			files = append(files, fb)
		}
	}
	return files
}

// Reporter routes driver outcomes back onto a case's stages by name.
type Reporter struct {
	c *model.Case
}

// NewReporter creates a reporter for the case.
func NewReporter(c *model.Case) *Reporter {
	return &Reporter{c: c}
}

// Start marks every stage without a terminal result as waiting.
func (r *Reporter) Start() {
	for _, st := range r.c.Stages() {
		if !st.Result().State.Terminal() {
			st.RecordResult(schema.ResultWaiting, "")
		}
	}
}

// Report records the outcome of one stage. Unknown stage names and
// non-result states are rejected; re-reporting the same outcome is a no-op
// by the model's idempotence rule.
func (r *Reporter) Report(stageName string, state schema.ResultState, message string) error {
	st := r.c.Stage(stageName)
	if st == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"stage %q not in case %q", stageName, r.c.Name())
	}
	if state != schema.ResultWaiting && !state.Terminal() {
		return schema.NewErrorf(schema.ErrCodeState, "state %q is not reportable", state)
	}
	st.RecordResult(state, message)
	return nil
}

// Interrupt marks every waiting stage of the case interrupted, the shape a
// driver reports when the solver process is killed mid-run.
func (r *Reporter) Interrupt(message string) {
	for _, st := range r.c.Stages() {
		if st.Result().State == schema.ResultWaiting {
			st.RecordResult(schema.ResultInterrupted, message)
		}
	}
}
