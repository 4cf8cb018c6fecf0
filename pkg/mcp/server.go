// Package mcp exposes a study database to agents over the Model Context
// Protocol: read-only tools for listing studies, checking validity,
// resolving names and inspecting stage ordering.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/diag"
	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/internal/store"
)

// StudyServerDeps holds the dependencies for creating a StudyServer.
type StudyServerDeps struct {
	Store   store.Store
	Catalog *catalog.Catalog
	Queries *diag.Engine
	Logger  *slog.Logger
}

// StudyServer wraps an MCP server with study query tools. Loaded studies
// are cached per id; the server only reads, so the cache never goes stale
// against its own mutations.
type StudyServer struct {
	store     store.Store
	cat       *catalog.Catalog
	queries   *diag.Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer

	mu      sync.Mutex
	studies map[string]*model.Study
}

// NewStudyServer creates a StudyServer with all 5 tools registered.
func NewStudyServer(deps StudyServerDeps) *StudyServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	queries := deps.Queries
	if queries == nil {
		queries = diag.New()
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Builtin()
	}

	s := &StudyServer{
		store:   deps.Store,
		cat:     cat,
		queries: queries,
		logger:  logger,
		studies: make(map[string]*model.Study),
	}

	mcpSrv := server.NewMCPServer(
		"studygraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Studygraph holds finite element study definitions: commands grouped into ordered stages within cases. Use study.list to enumerate studies, study.check to get a validity report, study.resolve to look a name up in scope, study.stages to inspect dependency ordering, and study.query to run a jq program over a study snapshot."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StudyServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StudyServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StudyServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: checkTool(), Handler: s.handleCheck},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: stagesTool(), Handler: s.handleStages},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("study.list",
		mcp.WithDescription("List persisted studies"),
	)
}

func checkTool() mcp.Tool {
	return mcp.NewTool("study.check",
		mcp.WithDescription("Validity report of a case: per-command flags, errors and warnings"),
		mcp.WithString("study_id", mcp.Required(), mcp.Description("ID of the study")),
		mcp.WithString("case", mcp.Description("Case name (default: the current case)")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("study.resolve",
		mcp.WithDescription("Resolve a command name in scope; duplicates resolve to the most recent visible definition"),
		mcp.WithString("study_id", mcp.Required(), mcp.Description("ID of the study")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Command name to resolve")),
		mcp.WithString("case", mcp.Description("Case name (default: the current case)")),
		mcp.WithString("stage", mcp.Description("Scope stage name (default: the last stage of the case)")),
	)
}

func stagesTool() mcp.Tool {
	return mcp.NewTool("study.stages",
		mcp.WithDescription("Stages of a case with commands in dependency order"),
		mcp.WithString("study_id", mcp.Required(), mcp.Description("ID of the study")),
		mcp.WithString("case", mcp.Description("Case name (default: the current case)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("study.query",
		mcp.WithDescription("Run a jq program over the study snapshot"),
		mcp.WithString("study_id", mcp.Required(), mcp.Description("ID of the study")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("jq expression, e.g. '.cases[].name'")),
	)
}
