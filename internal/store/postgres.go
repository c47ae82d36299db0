package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/oppradar/oppscan/internal/db"
	"github.com/oppradar/oppscan/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	body             TEXT NOT NULL DEFAULT '',
	source_tag       TEXT NOT NULL,
	engagement_score INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS concepts (
	id              TEXT PRIMARY KEY,
	equivalence_key TEXT NOT NULL UNIQUE,
	primary_item_id TEXT NOT NULL,
	member_count    INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS concept_stages (
	concept_id   TEXT NOT NULL REFERENCES concepts(id),
	stage        TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (concept_id, stage)
);

CREATE TABLE IF NOT EXISTS stage_results (
	item_id     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	provenance  TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (item_id, stage)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	data_source TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	stats       JSONB,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_source_tag ON items(source_tag);
CREATE INDEX IF NOT EXISTS idx_items_engagement ON items(engagement_score);
CREATE INDEX IF NOT EXISTS idx_stage_results_stage ON stage_results(stage);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// --- Items ---

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `SELECT id, title, body, source_tag, engagement_score, created_at FROM items WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.SourceTag != "" {
		query += ` AND source_tag = ` + arg(filter.SourceTag)
	}
	if filter.MinEngagement > 0 {
		query += ` AND engagement_score >= ` + arg(filter.MinEngagement)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Body, &it.SourceTag, &it.EngagementScore, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{it.ID, it.Title, it.Body, it.SourceTag, it.EngagementScore, it.CreatedAt.UTC()})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "items",
		Columns:      []string{"id", "title", "body", "source_tag", "engagement_score", "created_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert items")
}

// --- Concepts ---

func (s *PostgresStore) GetConceptByKey(ctx context.Context, key string) (*model.BusinessConcept, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, equivalence_key, primary_item_id, member_count, created_at FROM concepts WHERE equivalence_key = $1`,
		key,
	)
	return s.scanConcept(ctx, row)
}

func (s *PostgresStore) CreateConcept(ctx context.Context, key, primaryItemID string) (*model.BusinessConcept, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING: the loser of a concurrent create falls
	// through to re-read the winner's row.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO concepts (id, equivalence_key, primary_item_id, member_count, created_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (equivalence_key) DO NOTHING`,
		id, key, primaryItemID, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create concept for key %s", key)
	}

	c, err := s.GetConceptByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, eris.Errorf("postgres: concept vanished after create for key %s", key)
	}
	return c, nil
}

func (s *PostgresStore) GetConcept(ctx context.Context, conceptID string) (*model.BusinessConcept, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, equivalence_key, primary_item_id, member_count, created_at FROM concepts WHERE id = $1`,
		conceptID,
	)
	return s.scanConcept(ctx, row)
}

func (s *PostgresStore) AddConceptMember(ctx context.Context, conceptID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE concepts SET member_count = member_count + 1 WHERE id = $1`,
		conceptID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add concept member %s", conceptID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("concept not found: %s", conceptID)
	}
	return nil
}

func (s *PostgresStore) MarkStageComplete(ctx context.Context, conceptID, stage string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO concept_stages (concept_id, stage, completed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (concept_id, stage) DO NOTHING`,
		conceptID, stage, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark stage %s complete for concept %s", stage, conceptID)
}

func (s *PostgresStore) scanConcept(ctx context.Context, row pgx.Row) (*model.BusinessConcept, error) {
	var c model.BusinessConcept
	err := row.Scan(&c.ID, &c.EquivalenceKey, &c.PrimaryItemID, &c.MemberCount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan concept")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT stage FROM concept_stages WHERE concept_id = $1 ORDER BY stage`,
		c.ID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load concept stages")
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept stage")
		}
		c.StagesDone = append(c.StagesDone, stage)
	}
	return &c, eris.Wrap(rows.Err(), "postgres: concept stages iterate")
}

// --- Stage results ---

func (s *PostgresStore) UpsertStageResult(ctx context.Context, res model.StageResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_results (item_id, stage, payload, provenance, computed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (item_id, stage) DO UPDATE SET
			payload = EXCLUDED.payload,
			provenance = EXCLUDED.provenance,
			computed_at = EXCLUDED.computed_at`,
		res.ItemID, res.Stage, res.Payload, string(res.Provenance), res.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert stage result %s/%s", res.ItemID, res.Stage)
}

// UpsertStageResults merges a batch via BulkUpsert for throughput, then
// falls back to per-row upserts on failure so errors surface per item.
func (s *PostgresStore) UpsertStageResults(ctx context.Context, results []model.StageResult) []BatchError {
	if len(results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(results))
	for _, res := range results {
		rows = append(rows, []any{res.ItemID, res.Stage, res.Payload, string(res.Provenance), res.ComputedAt.UTC()})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "stage_results",
		Columns:      []string{"item_id", "stage", "payload", "provenance", "computed_at"},
		ConflictKeys: []string{"item_id", "stage"},
	}, rows)
	if err == nil {
		return nil
	}

	var failed []BatchError
	for _, res := range results {
		if rerr := s.UpsertStageResult(ctx, res); rerr != nil {
			failed = append(failed, BatchError{ItemID: res.ItemID, Stage: res.Stage, Err: rerr})
		}
	}
	return failed
}

func (s *PostgresStore) GetStageResult(ctx context.Context, itemID, stage string) (*model.StageResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, stage, payload, provenance, computed_at FROM stage_results
		 WHERE item_id = $1 AND stage = $2`,
		itemID, stage,
	)

	var res model.StageResult
	var payload []byte
	var provenance string
	err := row.Scan(&res.ItemID, &res.Stage, &payload, &provenance, &res.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stage result %s/%s", itemID, stage)
	}
	res.Payload = json.RawMessage(payload)
	res.Provenance = model.Provenance(provenance)
	return &res, nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, dataSource string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, data_source, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, dataSource, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:         id,
		DataSource: dataSource,
		Status:     model.RunStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), statsJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	return scanPGRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs
		 ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPGRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var statsJSON []byte
	var errMsg *string

	err := row.Scan(&r.ID, &r.DataSource, &r.Status, &statsJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(statsJSON) > 0 && string(statsJSON) != "null" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(statsJSON, r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run stats")
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
