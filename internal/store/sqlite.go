package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/oppradar/oppscan/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	body             TEXT NOT NULL DEFAULT '',
	source_tag       TEXT NOT NULL,
	engagement_score INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS concepts (
	id              TEXT PRIMARY KEY,
	equivalence_key TEXT NOT NULL UNIQUE,
	primary_item_id TEXT NOT NULL,
	member_count    INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS concept_stages (
	concept_id   TEXT NOT NULL REFERENCES concepts(id),
	stage        TEXT NOT NULL,
	completed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (concept_id, stage)
);

CREATE TABLE IF NOT EXISTS stage_results (
	item_id     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	provenance  TEXT NOT NULL,
	computed_at DATETIME NOT NULL,
	PRIMARY KEY (item_id, stage)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	data_source TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	stats       TEXT,
	error       TEXT,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_source_tag ON items(source_tag);
CREATE INDEX IF NOT EXISTS idx_items_engagement ON items(engagement_score);
CREATE INDEX IF NOT EXISTS idx_stage_results_stage ON stage_results(stage);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Items ---

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT id, title, body, source_tag, engagement_score, created_at FROM items WHERE 1=1`
	var args []any

	if filter.SourceTag != "" {
		query += ` AND source_tag = ?`
		args = append(args, filter.SourceTag)
	}
	if filter.MinEngagement > 0 {
		query += ` AND engagement_score >= ?`
		args = append(args, filter.MinEngagement)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Body, &it.SourceTag, &it.EngagementScore, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert items")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (id, title, body, source_tag, engagement_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			source_tag = excluded.source_tag,
			engagement_score = excluded.engagement_score`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert items")
	}
	defer stmt.Close()

	var n int64
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Title, it.Body, it.SourceTag, it.EngagementScore, it.CreatedAt.UTC()); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert item %s", it.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert items")
	}
	return n, nil
}

// --- Concepts ---

func (s *SQLiteStore) GetConceptByKey(ctx context.Context, key string) (*model.BusinessConcept, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, equivalence_key, primary_item_id, member_count, created_at FROM concepts WHERE equivalence_key = ?`,
		key,
	)
	return s.scanConcept(ctx, row)
}

func (s *SQLiteStore) CreateConcept(ctx context.Context, key, primaryItemID string) (*model.BusinessConcept, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING: the loser of a concurrent create falls
	// through to re-read the winner's row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO concepts (id, equivalence_key, primary_item_id, member_count, created_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(equivalence_key) DO NOTHING`,
		id, key, primaryItemID, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create concept for key %s", key)
	}

	c, err := s.GetConceptByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, eris.Errorf("sqlite: concept vanished after create for key %s", key)
	}
	return c, nil
}

func (s *SQLiteStore) GetConcept(ctx context.Context, conceptID string) (*model.BusinessConcept, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, equivalence_key, primary_item_id, member_count, created_at FROM concepts WHERE id = ?`,
		conceptID,
	)
	return s.scanConcept(ctx, row)
}

func (s *SQLiteStore) AddConceptMember(ctx context.Context, conceptID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE concepts SET member_count = member_count + 1 WHERE id = ?`,
		conceptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add concept member %s", conceptID)
	}
	return checkRowsAffected(res, "concept", conceptID)
}

func (s *SQLiteStore) MarkStageComplete(ctx context.Context, conceptID, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO concept_stages (concept_id, stage, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT(concept_id, stage) DO NOTHING`,
		conceptID, stage, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark stage %s complete for concept %s", stage, conceptID)
}

func (s *SQLiteStore) scanConcept(ctx context.Context, row *sql.Row) (*model.BusinessConcept, error) {
	var c model.BusinessConcept
	err := row.Scan(&c.ID, &c.EquivalenceKey, &c.PrimaryItemID, &c.MemberCount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan concept")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage FROM concept_stages WHERE concept_id = ? ORDER BY stage`,
		c.ID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load concept stages")
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan concept stage")
		}
		c.StagesDone = append(c.StagesDone, stage)
	}
	return &c, eris.Wrap(rows.Err(), "sqlite: concept stages iterate")
}

// --- Stage results ---

func (s *SQLiteStore) UpsertStageResult(ctx context.Context, res model.StageResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (item_id, stage, payload, provenance, computed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, stage) DO UPDATE SET
			payload = excluded.payload,
			provenance = excluded.provenance,
			computed_at = excluded.computed_at`,
		res.ItemID, res.Stage, string(res.Payload), string(res.Provenance), res.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert stage result %s/%s", res.ItemID, res.Stage)
}

func (s *SQLiteStore) UpsertStageResults(ctx context.Context, results []model.StageResult) []BatchError {
	var failed []BatchError
	for _, res := range results {
		if err := s.UpsertStageResult(ctx, res); err != nil {
			failed = append(failed, BatchError{ItemID: res.ItemID, Stage: res.Stage, Err: err})
		}
	}
	return failed
}

func (s *SQLiteStore) GetStageResult(ctx context.Context, itemID, stage string) (*model.StageResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, stage, payload, provenance, computed_at FROM stage_results
		 WHERE item_id = ? AND stage = ?`,
		itemID, stage,
	)

	var res model.StageResult
	var payload, provenance string
	err := row.Scan(&res.ItemID, &res.Stage, &payload, &provenance, &res.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stage result %s/%s", itemID, stage)
	}
	res.Payload = json.RawMessage(payload)
	res.Provenance = model.Provenance(provenance)
	return &res, nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, dataSource string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, data_source, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, dataSource, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:         id,
		DataSource: dataSource,
		Status:     model.RunStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), string(statsJSON), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs
		 ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var statsJSON, errMsg sql.NullString

	err := row.Scan(&r.ID, &r.DataSource, &r.Status, &statsJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
		}
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return &r, nil
}
