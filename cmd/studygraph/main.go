package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/diag"
	"github.com/rendis/studygraph/internal/logging"
	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/internal/scheduler"
	"github.com/rendis/studygraph/internal/store"
	"github.com/rendis/studygraph/pkg/mcp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "backup":
		runBackup(os.Args[2:])
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: studygraph <command> [flags]

commands:
  serve    serve study query tools over MCP stdio
  list     list persisted studies
  check    print the validity report of a study
  query    run a jq expression over a study snapshot
  backup   take a backup case of a study, once or on a schedule
  version  print the version`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}),
	)
	return slog.New(handler)
}

func openStore(ctx context.Context, cfg Config) *store.LibSQLStore {
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		fatal("open database %s: %v", cfg.DBPath, err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		fatal("migrate database: %v", err)
	}
	return st
}

func loadCatalog(cfg Config) *catalog.Catalog {
	if cfg.CatalogPath == "" {
		return catalog.Builtin()
	}
	data, err := os.ReadFile(cfg.CatalogPath)
	if err != nil {
		fatal("read catalog %s: %v", cfg.CatalogPath, err)
	}
	cat, err := catalog.Load(data)
	if err != nil {
		fatal("load catalog %s: %v", cfg.CatalogPath, err)
	}
	return cat
}

func loadStudy(ctx context.Context, st *store.LibSQLStore, cat *catalog.Catalog, id string, opts ...model.Option) *model.Study {
	snap, err := st.LoadStudy(ctx, id)
	if err != nil {
		fatal("load study %s: %v", id, err)
	}
	study, err := model.FromSnapshot(snap, cat, opts...)
	if err != nil {
		fatal("rebuild study %s: %v", id, err)
	}
	return study
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runServe(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "database path")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg)
	defer st.Close()

	srv := mcp.NewStudyServer(mcp.StudyServerDeps{
		Store:   st,
		Catalog: loadCatalog(cfg),
		Queries: diag.New(),
		Logger:  logger,
	})
	logger.Info("serving study tools over stdio", "db", cfg.DBPath)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal("serve: %v", err)
	}
}

func runList(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "database path")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg.DBPath = *dbPath

	ctx := context.Background()
	st := openStore(ctx, cfg)
	defer st.Close()

	infos, err := st.ListStudies(ctx)
	if err != nil {
		fatal("list studies: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCASES\tSTAGES\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			info.ID, info.Name, info.CaseCount, info.StageCount,
			info.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func runCheck(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "database path")
	caseName := fs.String("case", "", "case to check (default: all cases)")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fatal("usage: studygraph check [flags] <study-id>")
	}
	cfg.DBPath = *dbPath

	ctx := context.Background()
	st := openStore(ctx, cfg)
	defer st.Close()
	study := loadStudy(ctx, st, loadCatalog(cfg), fs.Arg(0))

	cases := study.Cases()
	if *caseName != "" {
		c := study.Case(*caseName)
		if c == nil {
			fatal("case %q not in study %s", *caseName, study.ID())
		}
		cases = []*model.Case{c}
	}

	invalid := false
	for _, c := range cases {
		report := c.Report()
		if !report.Valid() {
			invalid = true
		}
		if *asJSON {
			data, err := json.MarshalIndent(map[string]any{"case": c.Name(), "report": report}, "", "  ")
			if err != nil {
				fatal("marshal report: %v", err)
			}
			fmt.Println(string(data))
			continue
		}
		fmt.Printf("case %s: %s\n", c.Name(), report.Flags)
		for _, issue := range report.Errors {
			fmt.Printf("  error   %s: %s\n", issue.Path, issue.Message)
		}
		for _, issue := range report.Warnings {
			fmt.Printf("  warning %s: %s\n", issue.Path, issue.Message)
		}
	}
	if invalid {
		os.Exit(1)
	}
}

func runQuery(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "database path")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 2 {
		fatal("usage: studygraph query [flags] <study-id> <jq-expression>")
	}
	cfg.DBPath = *dbPath

	ctx := context.Background()
	st := openStore(ctx, cfg)
	defer st.Close()
	study := loadStudy(ctx, st, loadCatalog(cfg), fs.Arg(0))

	out, err := diag.New().Study(ctx, study, fs.Arg(1))
	if err != nil {
		fatal("query: %v", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

func runBackup(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "database path")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	cronExpr := fs.String("cron", cfg.BackupCron, "backup schedule (5-field cron)")
	keep := fs.Int("keep", cfg.BackupKeep, "autosave cases to retain")
	watch := fs.Bool("watch", false, "keep running and back up on the schedule")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fatal("usage: studygraph backup [flags] <study-id>")
	}
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg)
	defer st.Close()

	events := store.NewEventLog(st, logger)
	study := loadStudy(ctx, st, loadCatalog(cfg), fs.Arg(0),
		model.WithLogger(logger), model.WithRecorder(events))

	sched, err := scheduler.New(study, st, *cronExpr,
		scheduler.WithLogger(logger), scheduler.WithKeep(*keep))
	if err != nil {
		fatal("backup schedule: %v", err)
	}

	name, err := sched.BackupNow(ctx)
	if err != nil {
		fatal("backup: %v", err)
	}
	fmt.Printf("backup %s saved\n", name)

	if !*watch {
		return
	}
	if err := sched.Start(ctx); err != nil {
		fatal("start scheduler: %v", err)
	}
	logger.Info("watching", "study", study.ID(), "next", sched.NextRun())
	<-ctx.Done()
	if err := sched.Stop(); err != nil {
		logger.Error("stop scheduler", "error", err)
	}
}
