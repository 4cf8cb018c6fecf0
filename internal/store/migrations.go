package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const migration001 = `
-- Studies: one row per persisted study, child rows cascade on delete.
CREATE TABLE IF NOT EXISTS studies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    catalog_version TEXT NOT NULL DEFAULT '',
    current_case TEXT NOT NULL,
    auto_seq TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Cases in insertion order. node_id is the graph id assigned by the model.
CREATE TABLE IF NOT EXISTS cases (
    study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    node_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    role TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (study_id, node_id)
);

-- Stages, deduplicated: a stage shared by several cases is stored once.
CREATE TABLE IF NOT EXISTS stages (
    study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    node_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    mode TEXT NOT NULL,
    text TEXT,
    result_state TEXT,
    result_message TEXT,
    result_updated_at TIMESTAMP,
    origins TEXT,
    PRIMARY KEY (study_id, node_id)
);

-- Which stages each case references, in order, sharing is n:m.
CREATE TABLE IF NOT EXISTS case_stages (
    study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    case_node_id INTEGER NOT NULL,
    stage_node_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    intermediate INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (study_id, case_node_id, position)
);

-- Commands in insertion order within their stage. keywords is the
-- JSON-encoded keyword tree.
CREATE TABLE IF NOT EXISTS commands (
    study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    node_id INTEGER NOT NULL,
    stage_node_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    title TEXT NOT NULL,
    name TEXT NOT NULL,
    keywords TEXT,
    expression TEXT,
    text TEXT,
    type_tag TEXT,
    PRIMARY KEY (study_id, node_id)
);

-- Dependency edges between commands (parent provides, child consumes).
CREATE TABLE IF NOT EXISTS edges (
    study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    parent_id INTEGER NOT NULL,
    child_id INTEGER NOT NULL,
    PRIMARY KEY (study_id, parent_id, child_id)
);

-- Append-only mutation log with a per-study contiguous sequence.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    study_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    case_name TEXT,
    stage_name TEXT,
    node_id INTEGER,
    payload TEXT,
    timestamp TIMESTAMP NOT NULL,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_study_seq ON events(study_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_commands_stage ON commands(study_id, stage_node_id, position);
`

// migration is one versioned schema step.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

// runMigrations bootstraps schema_version and applies every step newer
// than the recorded version, each inside its own transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements cuts a script into executable statements, dropping
// comment-only lines so a trailing semicolon inside a comment cannot split.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		// Skip pure comment lines
		lines := strings.Split(s, "\n")
		hasCode := false
		for _, l := range lines {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
