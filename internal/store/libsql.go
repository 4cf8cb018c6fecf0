package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/studygraph/internal/catalog"
	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/pkg/schema"
)

// LibSQLStore is the libSQL-backed Store. A single connection is used so
// the write-lock noop trick serializes event sequencing.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the study database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// PRAGMAs may return rows, so QueryRow instead of Exec.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Studies ---

// SaveStudy upserts the full study state in one transaction. Child rows are
// rewritten wholesale; the event log is untouched.
func (s *LibSQLStore) SaveStudy(ctx context.Context, snap *model.StudySnapshot) error {
	autoSeq, err := nullableMap(snap.AutoSeq)
	if err != nil {
		return fmt.Errorf("marshal auto_seq: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO studies (id, name, catalog_version, current_case, auto_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, catalog_version=excluded.catalog_version,
		   current_case=excluded.current_case, auto_seq=excluded.auto_seq,
		   updated_at=CURRENT_TIMESTAMP`,
		snap.ID, snap.Name, snap.CatalogVersion, snap.Current, autoSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}

	for _, table := range []string{"cases", "stages", "case_stages", "commands", "edges"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE study_id = ?`, table), snap.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i := range snap.Stages {
		if err := insertStage(ctx, tx, snap.ID, &snap.Stages[i]); err != nil {
			return err
		}
	}
	for pos, c := range snap.Cases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cases (study_id, node_id, name, role, position) VALUES (?, ?, ?, ?, ?)`,
			snap.ID, int64(c.ID), c.Name, string(c.Role), pos); err != nil {
			return fmt.Errorf("insert case %q: %w", c.Name, err)
		}
		inter := make(map[schema.NodeID]bool, len(c.Intermediate))
		for _, id := range c.Intermediate {
			inter[id] = true
		}
		for spos, sid := range c.StageIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO case_stages (study_id, case_node_id, stage_node_id, position, intermediate)
				 VALUES (?, ?, ?, ?, ?)`,
				snap.ID, int64(c.ID), int64(sid), spos, boolInt(inter[sid])); err != nil {
				return fmt.Errorf("insert case_stages for %q: %w", c.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func insertStage(ctx context.Context, tx *sql.Tx, studyID string, st *model.StageSnapshot) error {
	origins, err := nullableMap(st.Origins)
	if err != nil {
		return fmt.Errorf("marshal origins: %w", err)
	}
	var resState, resMsg any
	var resAt any
	if st.Result != nil {
		resState = string(st.Result.State)
		resMsg = nullStr(st.Result.Message)
		resAt = st.Result.UpdatedAt
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stages (study_id, node_id, name, mode, text, result_state, result_message, result_updated_at, origins)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		studyID, int64(st.ID), st.Name, string(st.Mode), nullStr(st.Text),
		resState, resMsg, resAt, origins); err != nil {
		return fmt.Errorf("insert stage %q: %w", st.Name, err)
	}
	for pos, cmd := range st.Commands {
		var keywords any
		if len(cmd.Keywords) > 0 {
			kw, err := json.Marshal(cmd.Keywords)
			if err != nil {
				return fmt.Errorf("marshal keywords of %q: %w", cmd.Name, err)
			}
			keywords = string(kw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commands (study_id, node_id, stage_node_id, position, kind, title, name, keywords, expression, text, type_tag)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			studyID, int64(cmd.ID), int64(st.ID), pos, string(cmd.Kind), cmd.Title, cmd.Name,
			keywords, nullStr(cmd.Expression), nullStr(cmd.Text), nullStr(string(cmd.TypeTag))); err != nil {
			return fmt.Errorf("insert command %q: %w", cmd.Name, err)
		}
		for _, parent := range cmd.Parents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO edges (study_id, parent_id, child_id) VALUES (?, ?, ?)`,
				studyID, int64(parent), int64(cmd.ID)); err != nil {
				return fmt.Errorf("insert edge %d->%d: %w", parent, cmd.ID, err)
			}
		}
	}
	return nil
}

// LoadStudy reads the study back as a snapshot ready for model.FromSnapshot.
func (s *LibSQLStore) LoadStudy(ctx context.Context, id string) (*model.StudySnapshot, error) {
	snap := &model.StudySnapshot{ID: id}
	var autoSeq sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, catalog_version, current_case, auto_seq FROM studies WHERE id = ?`, id,
	).Scan(&snap.Name, &snap.CatalogVersion, &snap.Current, &autoSeq)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("study", id)
	}
	if err != nil {
		return nil, err
	}
	if autoSeq.Valid && autoSeq.String != "" {
		if err := json.Unmarshal([]byte(autoSeq.String), &snap.AutoSeq); err != nil {
			return nil, fmt.Errorf("unmarshal auto_seq: %w", err)
		}
	}

	parents, err := s.loadEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	commands, err := s.loadCommands(ctx, id, parents)
	if err != nil {
		return nil, err
	}
	if snap.Stages, err = s.loadStages(ctx, id, commands); err != nil {
		return nil, err
	}
	if snap.Cases, err = s.loadCases(ctx, id); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *LibSQLStore) loadEdges(ctx context.Context, studyID string) (map[schema.NodeID][]schema.NodeID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id, child_id FROM edges WHERE study_id = ? ORDER BY child_id, parent_id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	parents := make(map[schema.NodeID][]schema.NodeID)
	for rows.Next() {
		var p, c int64
		if err := rows.Scan(&p, &c); err != nil {
			return nil, err
		}
		parents[schema.NodeID(c)] = append(parents[schema.NodeID(c)], schema.NodeID(p))
	}
	return parents, rows.Err()
}

func (s *LibSQLStore) loadCommands(ctx context.Context, studyID string, parents map[schema.NodeID][]schema.NodeID) (map[schema.NodeID][]model.CommandSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, stage_node_id, kind, title, name, keywords, expression, text, type_tag
		 FROM commands WHERE study_id = ? ORDER BY stage_node_id, position`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()
	byStage := make(map[schema.NodeID][]model.CommandSnapshot)
	for rows.Next() {
		var (
			nodeID, stageID            int64
			kind, title, name          string
			keywords, expr, text, ttag sql.NullString
		)
		if err := rows.Scan(&nodeID, &stageID, &kind, &title, &name, &keywords, &expr, &text, &ttag); err != nil {
			return nil, err
		}
		cs := model.CommandSnapshot{
			ID:         schema.NodeID(nodeID),
			Kind:       model.Kind(kind),
			Title:      title,
			Name:       name,
			Expression: expr.String,
			Text:       text.String,
			Parents:    parents[schema.NodeID(nodeID)],
		}
		if ttag.Valid {
			cs.TypeTag = catalog.TypeTag(ttag.String)
		}
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &cs.Keywords); err != nil {
				return nil, fmt.Errorf("unmarshal keywords of %q: %w", name, err)
			}
		}
		byStage[schema.NodeID(stageID)] = append(byStage[schema.NodeID(stageID)], cs)
	}
	return byStage, rows.Err()
}

func (s *LibSQLStore) loadStages(ctx context.Context, studyID string, commands map[schema.NodeID][]model.CommandSnapshot) ([]model.StageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, name, mode, text, result_state, result_message, result_updated_at, origins
		 FROM stages WHERE study_id = ? ORDER BY node_id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()
	var stages []model.StageSnapshot
	for rows.Next() {
		var (
			nodeID                   int64
			name, mode               string
			text, resState, resMsg   sql.NullString
			resAt                    sql.NullTime
			origins                  sql.NullString
		)
		if err := rows.Scan(&nodeID, &name, &mode, &text, &resState, &resMsg, &resAt, &origins); err != nil {
			return nil, err
		}
		ss := model.StageSnapshot{
			ID:       schema.NodeID(nodeID),
			Name:     name,
			Mode:     schema.StageMode(mode),
			Text:     text.String,
			Commands: commands[schema.NodeID(nodeID)],
		}
		if resState.Valid && resState.String != "" {
			ss.Result = &model.ResultSnapshot{
				State:   schema.ResultState(resState.String),
				Message: resMsg.String,
			}
			if resAt.Valid {
				ss.Result.UpdatedAt = resAt.Time
			}
		}
		if origins.Valid && origins.String != "" {
			if err := json.Unmarshal([]byte(origins.String), &ss.Origins); err != nil {
				return nil, fmt.Errorf("unmarshal origins of %q: %w", name, err)
			}
		}
		stages = append(stages, ss)
	}
	return stages, rows.Err()
}

func (s *LibSQLStore) loadCases(ctx context.Context, studyID string) ([]model.CaseSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, name, role FROM cases WHERE study_id = ? ORDER BY position`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	var cases []model.CaseSnapshot
	for rows.Next() {
		var nodeID int64
		var name, role string
		if err := rows.Scan(&nodeID, &name, &role); err != nil {
			rows.Close()
			return nil, err
		}
		cases = append(cases, model.CaseSnapshot{
			ID:   schema.NodeID(nodeID),
			Name: name,
			Role: schema.CaseRole(role),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range cases {
		srows, err := s.db.QueryContext(ctx,
			`SELECT stage_node_id, intermediate FROM case_stages
			 WHERE study_id = ? AND case_node_id = ? ORDER BY position`,
			studyID, int64(cases[i].ID))
		if err != nil {
			return nil, fmt.Errorf("query case_stages: %w", err)
		}
		for srows.Next() {
			var sid int64
			var inter int
			if err := srows.Scan(&sid, &inter); err != nil {
				srows.Close()
				return nil, err
			}
			cases[i].StageIDs = append(cases[i].StageIDs, schema.NodeID(sid))
			if inter != 0 {
				cases[i].Intermediate = append(cases[i].Intermediate, schema.NodeID(sid))
			}
		}
		if err := srows.Err(); err != nil {
			srows.Close()
			return nil, err
		}
		srows.Close()
	}
	return cases, nil
}

// ListStudies returns summary rows for every persisted study, most recently
// updated first.
func (s *LibSQLStore) ListStudies(ctx context.Context) ([]*StudyInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.name, st.catalog_version, st.created_at, st.updated_at,
		        (SELECT COUNT(*) FROM cases c WHERE c.study_id = st.id),
		        (SELECT COUNT(*) FROM stages g WHERE g.study_id = st.id)
		 FROM studies st ORDER BY st.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query studies: %w", err)
	}
	defer rows.Close()
	var infos []*StudyInfo
	for rows.Next() {
		info := &StudyInfo{}
		if err := rows.Scan(&info.ID, &info.Name, &info.CatalogVersion,
			&info.CreatedAt, &info.UpdatedAt, &info.CaseCount, &info.StageCount); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteStudy removes a study, its structure and its event log.
func (s *LibSQLStore) DeleteStudy(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE study_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM studies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}
	if err := checkRowsAffected(res, "study", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-study sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// Acquire the write lock up front. In WAL mode BeginTx alone may start
	// a deferred transaction, which would let two appenders read the same
	// MAX(sequence).
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE study_id = ?`, event.StudyID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, study_id, event_type, case_name, stage_name, node_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.StudyID, event.Type, nullStr(event.CaseName), nullStr(event.StageName),
		int64(event.NodeID), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a study with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, studyID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, study_id, event_type, case_name, stage_name, node_id, payload, timestamp, sequence
		 FROM events WHERE study_id = ? AND sequence > ? ORDER BY sequence ASC`,
		studyID, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of a specific type matching the filter,
// newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	query := `SELECT event_id, study_id, event_type, case_name, stage_name, node_id, payload, timestamp, sequence
	          FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.StudyID != "" {
		query += ` AND study_id = ?`
		args = append(args, filter.StudyID)
	}
	if filter.CaseName != "" {
		query += ` AND case_name = ?`
		args = append(args, filter.CaseName)
	}
	if filter.StageName != "" {
		query += ` AND stage_name = ?`
		args = append(args, filter.StageName)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var caseName, stageName, payload sql.NullString
		var nodeID int64
		if err := rows.Scan(&e.ID, &e.StudyID, &e.Type, &caseName, &stageName,
			&nodeID, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.CaseName = caseName.String
		e.StageName = stageName.String
		e.NodeID = schema.NodeID(nodeID)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StudyError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMap[K comparable, V any](m map[K]V) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
