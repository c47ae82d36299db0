package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/store"
)

func newServerStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestServeHealth(t *testing.T) {
	router := newRouter(newServerStore(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeRuns(t *testing.T) {
	st := newServerStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "store")
	require.NoError(t, err)
	stats := &model.RunStats{
		Fetched:          2,
		Stages:           map[string]model.StageTally{"profiling": {Fresh: 1, Copied: 1}},
		EstimatedSavings: 0.012,
	}
	require.NoError(t, st.UpdateRunResult(ctx, run.ID, model.RunStatusComplete, stats, ""))

	router := newRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Stats)
	assert.Equal(t, 2, got.Stats.Fetched)
}

func TestServeRunNotFound(t *testing.T) {
	router := newRouter(newServerStore(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeSavings(t *testing.T) {
	st := newServerStore(t)
	ctx := context.Background()

	for i, saved := range []float64{0.030, 0.012} {
		run, err := st.CreateRun(ctx, "store")
		require.NoError(t, err)
		stats := &model.RunStats{
			Fetched:          i + 1,
			Stages:           map[string]model.StageTally{"profiling": {Fresh: 1, Copied: i + 1}},
			EstimatedSavings: saved,
		}
		require.NoError(t, st.UpdateRunResult(ctx, run.ID, model.RunStatusComplete, stats, ""))
	}

	router := newRouter(st)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/savings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs             int     `json:"runs"`
		FreshCalls       int     `json:"fresh_calls"`
		CopiedResults    int     `json:"copied_results"`
		EstimatedSavings float64 `json:"estimated_savings_usd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Runs)
	assert.Equal(t, 2, body.FreshCalls)
	assert.Equal(t, 3, body.CopiedResults)
	assert.InDelta(t, 0.042, body.EstimatedSavings, 1e-9)
}
