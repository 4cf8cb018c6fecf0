package e2e

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/internal/runner"
	"github.com/rendis/studygraph/internal/scheduler"
	"github.com/rendis/studygraph/internal/store"
	studymcp "github.com/rendis/studygraph/pkg/mcp"
	"github.com/rendis/studygraph/pkg/schema"
)

// --- Test harness ---

type harness struct {
	t        *testing.T
	store    *store.LibSQLStore
	eventLog *store.EventLog
	catalog  *catalog.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "e2e.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	return &harness{
		t:        t,
		store:    s,
		eventLog: store.NewEventLog(s, nil),
		catalog:  catalog.Builtin(),
	}
}

// newStudy builds a two-stage thermal study: the mesh and model in the
// first stage, material and output in the second.
func (h *harness) newStudy(name string) *model.Study {
	h.t.Helper()
	s := model.New(name, h.catalog, model.WithRecorder(h.eventLog))

	s1, err := s.CurrentCase().AddStage("setup")
	require.NoError(h.t, err)
	mesh, err := s1.AddCommand("LIRE_MAILLAGE", "mesh")
	require.NoError(h.t, err)
	require.NoError(h.t, s1.SetKeywords(mesh, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(20)},
	}))
	mdl, err := s1.AddCommand("AFFE_MODELE", "model")
	require.NoError(h.t, err)
	require.NoError(h.t, s1.SetKeywords(mdl, schema.KeywordSet{
		{Name: "MAILLAGE", Value: schema.Ref("mesh")},
	}))

	s2, err := s.CurrentCase().AddStage("solve")
	require.NoError(h.t, err)
	steel, err := s2.AddCommand("DEFI_MATERIAU", "steel")
	require.NoError(h.t, err)
	require.NoError(h.t, s2.SetKeywords(steel, schema.KeywordSet{
		{Name: "ELAS", Value: schema.Group(schema.KeywordSet{
			{Name: "E", Value: schema.Lit(210000)},
			{Name: "NU", Value: schema.Lit(0.3)},
		})},
	}))
	out, err := s2.AddCommand("IMPR_RESU", "print")
	require.NoError(h.t, err)
	require.NoError(h.t, s2.SetKeywords(out, schema.KeywordSet{
		{Name: "UNITE", Value: schema.Lit(80)},
		{Name: "RESU", Value: schema.Ref("model")},
	}))
	return s
}

func (h *harness) save(s *model.Study) {
	h.t.Helper()
	require.NoError(h.t, h.store.SaveStudy(context.Background(), s.Snapshot()))
}

func (h *harness) reload(id string) *model.Study {
	h.t.Helper()
	snap, err := h.store.LoadStudy(context.Background(), id)
	require.NoError(h.t, err)
	s, err := model.FromSnapshot(snap, h.catalog)
	require.NoError(h.t, err)
	return s
}

// --- Scenarios ---

func TestStudyLifecycle(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("lifecycle")
	h.save(s)

	restored := h.reload(s.ID())
	assert.Equal(t, "lifecycle", restored.Name())

	c := restored.CurrentCase()
	require.Len(t, c.Stages(), 2)
	assert.True(t, c.Report().Valid())

	// Dependency order survives persistence.
	var names []string
	for _, cmd := range c.Stage("setup").Sorted() {
		names = append(names, cmd.Name())
	}
	assert.Equal(t, []string{"mesh", "model"}, names)

	// The restored study stays editable: renaming the mesh keeps the
	// model's reference valid because references are by identity.
	mesh := c.Stage("setup").Command("mesh")
	require.NoError(t, c.Stage("setup").Rename(mesh, "grid"))
	assert.True(t, c.Report().Valid())
}

func TestRunCasePipeline(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("pipeline")

	// Reuse the setup stage verbatim, clone and execute the solve stage.
	run, err := s.CurrentCase().CreateRunCase("run1", []int{1}, []int{0})
	require.NoError(t, err)
	assert.Equal(t, schema.RoleRun, run.Role())

	snap, err := runner.Snapshot(run)
	require.NoError(t, err)
	require.Len(t, snap.Stages, 2)
	assert.False(t, snap.Stages[0].Intermediate)
	assert.True(t, snap.Stages[1].Intermediate)

	// Output unit bindings drive the solver's file table.
	var units []int
	for _, fb := range snap.Stages[1].Files {
		units = append(units, fb.Unit)
	}
	assert.Contains(t, units, 80)

	rep := runner.NewReporter(run)
	rep.Start()
	require.NoError(t, rep.Report("solve", schema.ResultSuccess, ""))

	h.save(s)
	restored := h.reload(s.ID())
	rrun := restored.Case("run1")
	require.NotNil(t, rrun)
	assert.Equal(t, schema.ResultSuccess, rrun.Stage("solve").Result().State)
}

func TestBackupLifecycle(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("backups")

	sched, err := scheduler.New(s, h.store, "*/10 * * * *", scheduler.WithKeep(2))
	require.NoError(t, err)

	name, err := sched.BackupNow(context.Background())
	require.NoError(t, err)
	backup := s.Case(name)
	require.NotNil(t, backup)
	assert.Equal(t, schema.RoleBackup, backup.Role())

	// The backup shares stages until the current case diverges.
	assert.Same(t, s.CurrentCase().StageAt(0), backup.StageAt(0))
	s.EnableAutocopy()
	_, err = s.CurrentCase().Stage("setup").AddComment("tighter mesh next run")
	require.NoError(t, err)
	s.DisableAutocopy()
	assert.NotSame(t, s.CurrentCase().StageAt(0), backup.StageAt(0))

	// BackupNow persisted a snapshot; the backup case is in it.
	restored := h.reload(s.ID())
	rb := restored.Case(name)
	require.NotNil(t, rb)
	assert.Equal(t, schema.RoleBackup, rb.Role())
}

func TestEventSourcing(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("audited")

	events, err := h.eventLog.History(context.Background(), s.ID())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventStageAdded)
	assert.Contains(t, types, schema.EventCommandAdded)
	require.NoError(t, h.eventLog.VerifyContiguous(context.Background(), s.ID()))
}

func TestTextModeRoundTrip(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("textual")

	setup := s.CurrentCase().Stage("setup")
	require.NoError(t, setup.ToText())

	h.save(s)
	restored := h.reload(s.ID())
	rsetup := restored.CurrentCase().Stage("setup")
	assert.Equal(t, schema.ModeText, rsetup.Mode())
	assert.NotEmpty(t, rsetup.Text())

	// Converting back re-parses the persisted text into commands; the solve
	// stage's references point at the old identities until repaired.
	require.NoError(t, rsetup.ToGraphical())
	assert.NotNil(t, rsetup.Command("mesh"))
	flags := restored.Repair(restored.CurrentCase())
	assert.True(t, flags.Ok())
	assert.True(t, restored.CurrentCase().Report().Valid())
}

func TestMCPServerOverStore(t *testing.T) {
	h := newHarness(t)
	s := h.newStudy("served")
	h.save(s)

	srv := studymcp.NewStudyServer(studymcp.StudyServerDeps{
		Store:   h.store,
		Catalog: h.catalog,
	})

	result := callTool(t, srv, "study.check", map[string]any{"study_id": s.ID()})
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var out struct {
		Case  string `json:"case"`
		Valid bool   `json:"valid"`
	}
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, "Current", out.Case)
	assert.True(t, out.Valid)

	result = callTool(t, srv, "study.resolve", map[string]any{
		"study_id": s.ID(),
		"name":     "steel",
	})
	assert.False(t, result.IsError)
}

// callTool invokes a tool through the MCP server's HandleMessage
// (full JSON-RPC round-trip).
func callTool(t *testing.T, srv *studymcp.StudyServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	mcpSrv := srv.MCPServer()

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-test",
				"version": "1.0.0",
			},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	reqMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	rawReq, err := json.Marshal(reqMsg)
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}
