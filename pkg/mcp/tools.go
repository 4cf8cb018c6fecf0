package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/studygraph/internal/model"
)

// study returns the cached study, loading it from the store on first use.
func (s *StudyServer) study(ctx context.Context, id string) (*model.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.studies[id]; ok {
		return st, nil
	}
	snap, err := s.store.LoadStudy(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := model.FromSnapshot(snap, s.cat, model.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.studies[id] = st
	return st, nil
}

// caseOf picks the named case, defaulting to the current one.
func (s *StudyServer) caseOf(study *model.Study, name string) (*model.Case, error) {
	if name == "" {
		return study.CurrentCase(), nil
	}
	c := study.Case(name)
	if c == nil {
		return nil, fmt.Errorf("case %q not in study %q", name, study.Name())
	}
	return c, nil
}

// handleList enumerates persisted studies.
func (s *StudyServer) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.store.ListStudies(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list studies failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"studies": infos, "count": len(infos)})
}

// handleCheck returns the validity report of a case.
func (s *StudyServer) handleCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, err := req.RequireString("study_id")
	if err != nil {
		return mcp.NewToolResultError("study_id is required"), nil
	}
	study, loadErr := s.study(ctx, studyID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load study failed: %v", loadErr)), nil
	}
	c, caseErr := s.caseOf(study, req.GetString("case", ""))
	if caseErr != nil {
		return mcp.NewToolResultError(caseErr.Error()), nil
	}

	report := c.Report()
	return marshalResult(map[string]any{
		"case":   c.Name(),
		"valid":  report.Flags.Ok(),
		"flags":  report.Flags.String(),
		"report": report,
	})
}

// handleResolve looks a command name up in scope.
func (s *StudyServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, err := req.RequireString("study_id")
	if err != nil {
		return mcp.NewToolResultError("study_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	study, loadErr := s.study(ctx, studyID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load study failed: %v", loadErr)), nil
	}
	c, caseErr := s.caseOf(study, req.GetString("case", ""))
	if caseErr != nil {
		return mcp.NewToolResultError(caseErr.Error()), nil
	}

	var scope *model.Stage
	if stageName := req.GetString("stage", ""); stageName != "" {
		scope = c.Stage(stageName)
		if scope == nil {
			return mcp.NewToolResultError(fmt.Sprintf("stage %q not in case %q", stageName, c.Name())), nil
		}
	} else {
		stages := c.Stages()
		if len(stages) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("case %q has no stages", c.Name())), nil
		}
		scope = stages[len(stages)-1]
	}

	cmd, ok := study.Resolve(scope, name)
	if !ok {
		return marshalResult(map[string]any{"found": false, "name": name})
	}
	return marshalResult(map[string]any{
		"found":    true,
		"id":       cmd.ID(),
		"name":     cmd.Name(),
		"title":    cmd.Title(),
		"kind":     string(cmd.Kind()),
		"type":     string(cmd.TypeTag()),
		"stage":    cmd.Stage().Name(),
		"validity": cmd.Check().String(),
	})
}

// handleStages reports the stages of a case, commands in dependency order.
func (s *StudyServer) handleStages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, err := req.RequireString("study_id")
	if err != nil {
		return mcp.NewToolResultError("study_id is required"), nil
	}
	study, loadErr := s.study(ctx, studyID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load study failed: %v", loadErr)), nil
	}
	c, caseErr := s.caseOf(study, req.GetString("case", ""))
	if caseErr != nil {
		return mcp.NewToolResultError(caseErr.Error()), nil
	}

	type commandInfo struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Title    string `json:"title"`
		Kind     string `json:"kind"`
		Validity string `json:"validity"`
	}
	type stageInfo struct {
		Name     string        `json:"name"`
		Number   int           `json:"number"`
		Mode     string        `json:"mode"`
		Result   string        `json:"result,omitempty"`
		Commands []commandInfo `json:"commands"`
	}

	var stages []stageInfo
	for i, st := range c.Stages() {
		si := stageInfo{
			Name:   st.Name(),
			Number: i + 1,
			Mode:   string(st.Mode()),
			Result: string(st.Result().State),
		}
		for _, cmd := range st.Sorted() {
			si.Commands = append(si.Commands, commandInfo{
				ID:       int(cmd.ID()),
				Name:     cmd.Name(),
				Title:    cmd.Title(),
				Kind:     string(cmd.Kind()),
				Validity: cmd.Check().String(),
			})
		}
		stages = append(stages, si)
	}
	return marshalResult(map[string]any{"case": c.Name(), "stages": stages})
}

// handleQuery runs a jq program over the study snapshot.
func (s *StudyServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, err := req.RequireString("study_id")
	if err != nil {
		return mcp.NewToolResultError("study_id is required"), nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError("expression is required"), nil
	}
	study, loadErr := s.study(ctx, studyID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load study failed: %v", loadErr)), nil
	}

	out, evalErr := s.queries.Study(ctx, study, expression)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", evalErr)), nil
	}
	return marshalResult(map[string]any{"result": out})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
