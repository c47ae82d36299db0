package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppradar/oppscan/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	run, err := s.GetRun(context.Background(), "nonexistent-run")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_UnmarshalsStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	stats := []byte(`{"fetched":3,"dropped":0,"stages":{"profiling":{"fresh":1,"copied":2,"skipped":0,"errors":0}},"estimated_savings_usd":0.024}`)

	mock.ExpectQuery(`SELECT id, data_source, status, stats, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data_source", "status", "stats", "error", "created_at", "updated_at"}).
			AddRow("run-1", "store", "complete", stats, (*string)(nil), now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Stats)
	assert.Equal(t, 3, run.Stats.Fetched)
	assert.Equal(t, 2, run.Stats.Stages["profiling"].Copied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStageResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT item_id, stage, payload, provenance, computed_at FROM stage_results`).
		WithArgs("item-x", "profiling").
		WillReturnError(pgx.ErrNoRows)

	res, err := s.GetStageResult(context.Background(), "item-x", "profiling")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertStageResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	payload := json.RawMessage(`{"summary":"s"}`)
	mock.ExpectExec(`INSERT INTO stage_results .* ON CONFLICT \(item_id, stage\) DO UPDATE`).
		WithArgs("item-a", "profiling", payload, "fresh", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertStageResult(context.Background(), model.StageResult{
		ItemID:     "item-a",
		Stage:      "profiling",
		Payload:    payload,
		Provenance: model.ProvenanceFresh,
		ComputedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateConcept_LostRaceReReads(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	// Insert conflicts away (0 rows), then the winner's row is read back.
	mock.ExpectExec(`INSERT INTO concepts .* ON CONFLICT \(equivalence_key\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "key-1", "my-item", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id, equivalence_key, primary_item_id, member_count, created_at FROM concepts WHERE equivalence_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "equivalence_key", "primary_item_id", "member_count", "created_at"}).
			AddRow("winner-concept", "key-1", "other-item", 1, now))
	mock.ExpectQuery(`SELECT stage FROM concept_stages WHERE concept_id = \$1`).
		WithArgs("winner-concept").
		WillReturnRows(pgxmock.NewRows([]string{"stage"}).AddRow("profiling"))

	c, err := s.CreateConcept(context.Background(), "key-1", "my-item")
	require.NoError(t, err)
	assert.Equal(t, "winner-concept", c.ID)
	assert.Equal(t, "other-item", c.PrimaryItemID)
	assert.Equal(t, []string{"profiling"}, c.StagesDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddConceptMember_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE concepts SET member_count = member_count \+ 1`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AddConceptMember(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(string(model.RunStatusProcessing), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRunStatus(context.Background(), "run-1", model.RunStatusProcessing)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
