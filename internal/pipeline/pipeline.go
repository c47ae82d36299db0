// Package pipeline drives the per-item enrichment loop across all
// configured analysis stages in dependency order, deciding for each
// (item, stage) whether to spend a fresh external call, copy a prior
// concept result, or skip.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oppradar/oppscan/internal/concept"
	"github.com/oppradar/oppscan/internal/config"
	"github.com/oppradar/oppscan/internal/fetcher"
	"github.com/oppradar/oppscan/internal/gate"
	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/stage"
	"github.com/oppradar/oppscan/internal/stats"
	"github.com/oppradar/oppscan/internal/store"
)

// Pipeline orchestrates fetch, concept resolution, gate decisions,
// stage execution, and persistence for one run.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	fetcher  fetcher.Fetcher
	resolver *concept.Resolver
	runners  []stage.Runner // dependency order, upstream first
	gates    map[string]*gate.Gate
	tracker  *stats.Tracker
}

// New creates a Pipeline. runners must already be in dependency order
// (stage.Build guarantees this).
func New(
	cfg *config.Config,
	st store.Store,
	f fetcher.Fetcher,
	resolver *concept.Resolver,
	runners []stage.Runner,
	tracker *stats.Tracker,
) *Pipeline {
	gates := make(map[string]*gate.Gate, len(runners))
	for _, r := range runners {
		gates[r.Name()] = gate.New(r.Name(), st, resolver, cfg.Pipeline.CopyEnabled)
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		fetcher:  f,
		resolver: resolver,
		runners:  runners,
		gates:    gates,
		tracker:  tracker,
	}
}

// Run executes one pipeline pass: fetch up to limit items matching
// filters and process each through every configured stage. Items run
// concurrently across a bounded worker pool; stages within an item run
// strictly sequentially because of evidence dependencies.
//
// A completed run always returns its stats, even when items errored or
// the context was cancelled mid-run. Only a storage-connectivity fault
// (failing to create the run record) aborts without a summary.
func (p *Pipeline) Run(ctx context.Context, limit int, filters map[string]string) (*model.Run, error) {
	log := zap.L().With(zap.String("source", p.cfg.Source.Kind))

	run, err := p.store.CreateRun(ctx, p.cfg.Source.Kind)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting run",
		zap.Int("limit", limit),
		zap.Int("concurrency", p.cfg.Pipeline.Concurrency),
		zap.Int("stages", len(p.runners)),
	)

	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	setStatus(model.RunStatusFetching)
	it := p.fetcher.Fetch(ctx, limit, filters)
	defer it.Close() //nolint:errcheck

	setStatus(model.RunStatusProcessing)

	concurrency := p.cfg.Pipeline.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)

	// Dispatch stops on cancellation; in-flight items finish their
	// current stage (workers check ctx between stages, and persistence
	// runs detached from cancellation).
	for it.Next() {
		if ctx.Err() != nil {
			break
		}
		item := it.Item()
		p.tracker.ItemFetched()
		g.Go(func() error {
			p.processItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	p.tracker.ItemsDropped(it.Dropped())
	fetchErr := it.Err()

	snapshot := p.tracker.Snapshot()
	run.Stats = &snapshot

	status := model.RunStatusComplete
	var runErrMsg string
	switch {
	case fetchErr != nil:
		status = model.RunStatusFailed
		runErrMsg = fetchErr.Error()
		log.Error("pipeline: fetch failed", zap.Error(fetchErr))
	case ctx.Err() != nil:
		status = model.RunStatusFailed
		runErrMsg = ctx.Err().Error()
		log.Warn("pipeline: run cancelled")
	}
	run.Status = status
	run.Error = runErrMsg

	// Persist the summary even when the run context is already gone.
	finalCtx := context.WithoutCancel(ctx)
	if saveErr := p.store.UpdateRunResult(finalCtx, run.ID, status, &snapshot, runErrMsg); saveErr != nil {
		log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
	}

	tally := snapshot.Tally()
	log.Info("pipeline: run finished",
		zap.String("status", string(status)),
		zap.Int("fetched", snapshot.Fetched),
		zap.Int("dropped", snapshot.Dropped),
		zap.Int("fresh", tally.Fresh),
		zap.Int("copied", tally.Copied),
		zap.Int("skipped", tally.Skipped),
		zap.Int("errors", tally.Errors),
		zap.Float64("estimated_savings_usd", snapshot.EstimatedSavings),
	)

	if fetchErr != nil {
		return run, eris.Wrap(fetchErr, "pipeline: fetch")
	}
	return run, nil
}

// processItem walks one item through every stage in dependency order.
// Stage-local errors are recovered locally: the item proceeds to its
// remaining independent stages, while stages dependent on a failed or
// skipped upstream go to error without an external call.
func (p *Pipeline) processItem(ctx context.Context, item model.Item) {
	log := zap.L().With(zap.String("item_id", item.ID))

	resolution := p.resolver.ResolveOrCreate(ctx, item)

	outcomes := make(map[string]model.StageOutcome, len(p.runners))
	payloads := make(map[string]model.StageResult, len(p.runners))

	cancelled := false
	for _, runner := range p.runners {
		name := runner.Name()

		if cancelled || ctx.Err() != nil {
			cancelled = true
			outcomes[name] = model.OutcomeError
			p.tracker.Record(name, model.OutcomeError)
			continue
		}

		outcome := p.runStage(ctx, runner, item, resolution, outcomes, payloads)
		outcomes[name] = outcome
		p.tracker.Record(name, outcome)

		log.Debug("pipeline: stage done",
			zap.String("stage", name),
			zap.String("outcome", string(outcome)),
		)
	}
}

// runStage executes the decide/run/persist sequence for one (item,
// stage) pair and returns its terminal outcome. Successfully stored
// results are recorded in payloads so downstream stages chain evidence
// off exactly what was stored.
func (p *Pipeline) runStage(
	ctx context.Context,
	runner stage.Runner,
	item model.Item,
	resolution concept.Resolution,
	outcomes map[string]model.StageOutcome,
	payloads map[string]model.StageResult,
) model.StageOutcome {
	name := runner.Name()
	log := zap.L().With(zap.String("item_id", item.ID), zap.String("stage", name))

	decision := p.gates[name].Decide(ctx, item, resolution)

	switch decision.Action {
	case gate.ActionSkip:
		log.Info("pipeline: stage skipped", zap.String("reason", decision.Reason))
		return model.OutcomeSkipped

	case gate.ActionCopy:
		res := model.StageResult{
			ItemID:     item.ID,
			Stage:      name,
			Payload:    decision.Source.Payload,
			Provenance: model.CopiedFrom(decision.SourceItemID),
			ComputedAt: nowUTC(),
		}
		if !p.persist(ctx, resolution, res, log) {
			return model.OutcomeError
		}
		payloads[name] = res
		log.Info("pipeline: stage copied",
			zap.String("source_item_id", decision.SourceItemID),
		)
		return model.OutcomeCopied

	case gate.ActionRunFresh:
		// Fall through to the fresh path below.
	}

	var evidence *model.EvidenceBundle
	if up := runner.DependsOn(); up != "" {
		switch outcomes[up] {
		case model.OutcomeFresh, model.OutcomeCopied:
			stored := payloads[up]
			evidence = &model.EvidenceBundle{
				Stage:      up,
				Payload:    stored.Payload,
				Provenance: stored.Provenance,
			}
		default:
			// No stored upstream result to chain from.
			log.Warn("pipeline: upstream unavailable, aborting dependent stage",
				zap.String("upstream", up),
				zap.String("upstream_outcome", string(outcomes[up])),
			)
			return model.OutcomeError
		}
	}

	payload, err := runner.Run(ctx, item, evidence)
	if err != nil {
		log.Error("pipeline: stage analysis failed", zap.Error(err))
		return model.OutcomeError
	}

	res := model.StageResult{
		ItemID:     item.ID,
		Stage:      name,
		Payload:    payload,
		Provenance: model.ProvenanceFresh,
		ComputedAt: nowUTC(),
	}
	if !p.persist(ctx, resolution, res, log) {
		return model.OutcomeError
	}
	payloads[name] = res
	log.Info("pipeline: stage fresh", zap.String("reason", decision.Reason))
	return model.OutcomeFresh
}

// persist durably stores the result and only then marks the concept
// stage complete, so no item can ever observe the completion flag with
// no retrievable result. Runs detached from cancellation: a stage that
// produced a result finishes its write even mid-shutdown.
func (p *Pipeline) persist(ctx context.Context, resolution concept.Resolution, res model.StageResult, log *zap.Logger) bool {
	writeCtx := context.WithoutCancel(ctx)

	if err := p.store.UpsertStageResult(writeCtx, res); err != nil {
		log.Error("pipeline: stage result write failed", zap.Error(err))
		return false
	}

	if resolution.Concept != nil {
		if err := p.gates[res.Stage].MarkComplete(writeCtx, resolution.Concept.ID); err != nil {
			// The result is stored; a later item just runs fresh again.
			log.Warn("pipeline: mark stage complete failed", zap.Error(err))
		}
	}
	return true
}

func nowUTC() time.Time { return time.Now().UTC() }
