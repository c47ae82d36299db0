package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	mock := newMockPool(t)

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "items",
		Columns:      []string{"id", "title"},
		ConflictKeys: []string{"id"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_RequiresConfig(t *testing.T) {
	mock := newMockPool(t)
	rows := [][]any{{"a", "title"}}

	_, err := BulkUpsert(context.Background(), mock, UpsertConfig{Table: "items", ConflictKeys: []string{"id"}}, rows)
	assert.Error(t, err)

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{Table: "items", Columns: []string{"id"}}, rows)
	assert.Error(t, err)
}

func TestBulkUpsert_TempTableFlow(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_stage_results" \(LIKE "stage_results" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_stage_results"}, []string{"item_id", "stage", "payload", "provenance", "computed_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "stage_results" .* ON CONFLICT \("item_id", "stage"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{
		{"a", "profiling", []byte(`{}`), "fresh", time.Now()},
		{"b", "profiling", []byte(`{}`), "fresh", time.Now()},
	}
	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "stage_results",
		Columns:      []string{"item_id", "stage", "payload", "provenance", "computed_at"},
		ConflictKeys: []string{"item_id", "stage"},
	}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"items"`, sanitizeTable("items"))
	assert.Equal(t, `"app"."items"`, sanitizeTable("app.items"))
}
