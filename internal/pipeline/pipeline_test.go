package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppradar/oppscan/internal/concept"
	"github.com/oppradar/oppscan/internal/config"
	"github.com/oppradar/oppscan/internal/cost"
	"github.com/oppradar/oppscan/internal/fetcher"
	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/stage"
	"github.com/oppradar/oppscan/internal/stats"
	"github.com/oppradar/oppscan/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testConfig(copyEnabled bool) *config.Config {
	return &config.Config{
		Source:   config.SourceConfig{Kind: "store"},
		Pipeline: config.PipelineConfig{Concurrency: 1, CopyEnabled: copyEnabled},
	}
}

// seedItems stores items with ascending timestamps so the store fetcher
// yields them in insertion order.
func seedItems(t *testing.T, st store.Store, titles ...string) []model.Item {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	items := make([]model.Item, len(titles))
	for i, title := range titles {
		items[i] = model.Item{
			ID:              fmt.Sprintf("item-%d", i),
			Title:           title,
			Body:            "body",
			SourceTag:       "startups",
			EngagementScore: 10,
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		}
	}
	_, err := st.UpsertItems(context.Background(), items)
	require.NoError(t, err)
	return items
}

// scriptedRunner is a stage.Runner that fabricates payloads locally and
// records what it was asked to do.
type scriptedRunner struct {
	name      string
	dependsOn string

	mu       sync.Mutex
	calls    int
	failFor  map[string]error           // item ID -> forced failure
	evidence map[string]json.RawMessage // item ID -> evidence payload seen
}

func newScriptedRunner(name, dependsOn string) *scriptedRunner {
	return &scriptedRunner{
		name:      name,
		dependsOn: dependsOn,
		failFor:   map[string]error{},
		evidence:  map[string]json.RawMessage{},
	}
}

func (r *scriptedRunner) Name() string      { return r.name }
func (r *scriptedRunner) DependsOn() string { return r.dependsOn }

func (r *scriptedRunner) Run(_ context.Context, item model.Item, evidence *model.EvidenceBundle) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if evidence != nil {
		r.evidence[item.ID] = evidence.Payload
	}
	if err := r.failFor[item.ID]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"stage":%q,"item":%q}`, r.name, item.ID)), nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestPipeline(cfg *config.Config, st store.Store, runners ...stage.Runner) *Pipeline {
	tracker := stats.NewTracker(cost.NewCalculator(cost.Rates{StageUSD: map[string]float64{
		"profiling":    0.010,
		"monetization": 0.020,
	}}))
	return New(cfg, st, fetcher.NewStoreFetcher(st), concept.NewResolver(st, nil), runners, tracker)
}

func TestRun_DuplicatesCopyInsteadOfRespending(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, "Same idea", "Same idea", "Same idea")

	profiling := newScriptedRunner("profiling", "")
	monetization := newScriptedRunner("monetization", "profiling")
	p := newTestPipeline(testConfig(true), st, profiling, monetization)

	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)
	require.NotNil(t, run.Stats)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	// One concept, three members: only the first item spends calls.
	assert.Equal(t, 1, profiling.callCount())
	assert.Equal(t, 1, monetization.callCount())

	tally := run.Stats.Tally()
	assert.Equal(t, 3, run.Stats.Fetched)
	assert.Equal(t, 2, tally.Fresh)
	assert.Equal(t, 4, tally.Copied)
	assert.Zero(t, tally.Skipped)
	assert.Zero(t, tally.Errors)

	// 2 profiling copies at $0.010, 2 monetization copies at $0.020.
	assert.InDelta(t, 0.060, run.Stats.EstimatedSavings, 1e-9)

	// Copied rows carry provenance back to the primary and duplicate the
	// primary's stored payload.
	primary := items[0]
	for _, dup := range items[1:] {
		for _, stageName := range []string{"profiling", "monetization"} {
			res, err := st.GetStageResult(context.Background(), dup.ID, stageName)
			require.NoError(t, err)
			require.NotNil(t, res, "result missing for %s/%s", dup.ID, stageName)
			assert.Equal(t, primary.ID, res.Provenance.SourceItemID())

			src, err := st.GetStageResult(context.Background(), primary.ID, stageName)
			require.NoError(t, err)
			assert.JSONEq(t, string(src.Payload), string(res.Payload))
		}
	}

	c, err := st.GetConceptByKey(context.Background(), concept.EquivalenceKey("Same idea"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, primary.ID, c.PrimaryItemID)
	assert.Equal(t, 3, c.MemberCount)
}

func TestRun_RerunMergesInsteadOfDuplicating(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, "Same idea", "Same idea")

	profiling := newScriptedRunner("profiling", "")
	p := newTestPipeline(testConfig(true), st, profiling)

	_, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, profiling.callCount())

	// Second pass: the primary recomputes, the duplicate still copies,
	// and both upserts merge into the existing rows.
	p2 := newTestPipeline(testConfig(true), st, profiling)
	run2, err := p2.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, profiling.callCount())
	tally := run2.Stats.Tally()
	assert.Equal(t, 1, tally.Fresh)
	assert.Equal(t, 1, tally.Copied)

	res, err := st.GetStageResult(context.Background(), items[1].ID, "profiling")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, items[0].ID, res.Provenance.SourceItemID())

	// The concept tracked both passes without duplicating members beyond
	// the duplicate item's resolutions.
	c, err := st.GetConceptByKey(context.Background(), concept.EquivalenceKey("Same idea"))
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, c.PrimaryItemID)
}

func TestRun_DependentStageGetsStoredUpstreamEvidence(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, "Same idea", "Same idea")

	profiling := newScriptedRunner("profiling", "")
	monetization := newScriptedRunner("monetization", "profiling")
	// The primary fails monetization, so the concept never gets the
	// monetization flag and the duplicate has to run it fresh, chaining
	// evidence off its own copied profiling result.
	monetization.failFor[items[0].ID] = errors.New("model overloaded")

	p := newTestPipeline(testConfig(true), st, profiling, monetization)
	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.Equal(t, model.StageTally{Fresh: 1, Copied: 1}, run.Stats.Stages["profiling"])
	assert.Equal(t, model.StageTally{Fresh: 1, Errors: 1}, run.Stats.Stages["monetization"])

	// The duplicate's monetization call saw the stored profiling payload,
	// which is a copy of the primary's.
	primaryProfiling, err := st.GetStageResult(context.Background(), items[0].ID, "profiling")
	require.NoError(t, err)
	got, ok := monetization.evidence[items[1].ID]
	require.True(t, ok, "dependent stage should have received evidence")
	assert.JSONEq(t, string(primaryProfiling.Payload), string(got))
}

func TestRun_UpstreamFailureAbortsDependentWithoutCall(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, "Idea one", "Idea two")

	profiling := newScriptedRunner("profiling", "")
	profiling.failFor[items[0].ID] = errors.New("boom")
	profiling.failFor[items[1].ID] = errors.New("boom")
	monetization := newScriptedRunner("monetization", "profiling")

	p := newTestPipeline(testConfig(true), st, profiling, monetization)
	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.Zero(t, monetization.callCount(), "dependent stage must not call out when upstream failed")
	assert.Equal(t, model.StageTally{Errors: 2}, run.Stats.Stages["profiling"])
	assert.Equal(t, model.StageTally{Errors: 2}, run.Stats.Stages["monetization"])

	// Per-item accounting holds: every (item, stage) pair is terminal.
	tally := run.Stats.Tally()
	assert.Equal(t, run.Stats.Fetched*2, tally.Total())
}

func TestRun_CopyDisabledSkipsAndStoresNothing(t *testing.T) {
	st := newTestStore(t)
	items := seedItems(t, st, "Same idea", "Same idea")

	profiling := newScriptedRunner("profiling", "")
	p := newTestPipeline(testConfig(false), st, profiling)

	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.Equal(t, model.StageTally{Fresh: 1, Skipped: 1}, run.Stats.Stages["profiling"])
	assert.Zero(t, run.Stats.EstimatedSavings)

	// A skip writes nothing for the duplicate.
	res, err := st.GetStageResult(context.Background(), items[1].ID, "profiling")
	require.NoError(t, err)
	assert.Nil(t, res)
}

// brokenConceptStore fails every concept lookup, simulating a degraded
// store that still accepts result writes.
type brokenConceptStore struct {
	store.Store
}

func (s *brokenConceptStore) GetConceptByKey(_ context.Context, _ string) (*model.BusinessConcept, error) {
	return nil, errors.New("concept index unavailable")
}

func TestRun_ConceptLookupFailureFailsOpenToFresh(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, "Same idea", "Same idea")
	broken := &brokenConceptStore{Store: st}

	profiling := newScriptedRunner("profiling", "")
	p := newTestPipeline(testConfig(true), broken, profiling)

	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	// Unresolved items never skip: both spend a fresh call.
	assert.Equal(t, 2, profiling.callCount())
	assert.Equal(t, model.StageTally{Fresh: 2}, run.Stats.Stages["profiling"])
	assert.Zero(t, run.Stats.EstimatedSavings)
}

func TestRun_PersistsRunRecord(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, "Some idea")

	profiling := newScriptedRunner("profiling", "")
	p := newTestPipeline(testConfig(true), st, profiling)

	run, err := p.Run(context.Background(), 0, nil)
	require.NoError(t, err)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.RunStatusComplete, stored.Status)
	require.NotNil(t, stored.Stats)
	assert.Equal(t, 1, stored.Stats.Fetched)
}

func TestRun_LimitBoundsFetch(t *testing.T) {
	st := newTestStore(t)
	seedItems(t, st, "Idea one", "Idea two", "Idea three")

	profiling := newScriptedRunner("profiling", "")
	p := newTestPipeline(testConfig(true), st, profiling)

	run, err := p.Run(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Stats.Fetched)
}
