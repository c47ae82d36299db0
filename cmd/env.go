package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/oppradar/oppscan/internal/concept"
	"github.com/oppradar/oppscan/internal/cost"
	"github.com/oppradar/oppscan/internal/fetcher"
	"github.com/oppradar/oppscan/internal/pipeline"
	"github.com/oppradar/oppscan/internal/resilience"
	"github.com/oppradar/oppscan/internal/stage"
	"github.com/oppradar/oppscan/internal/stats"
	"github.com/oppradar/oppscan/internal/store"
	"github.com/oppradar/oppscan/pkg/forum"
	"github.com/oppradar/oppscan/pkg/llm"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "oppscan.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initForum() forum.Client {
	return forum.NewHTTPClient(cfg.Source.ForumBaseURL, cfg.Source.UserAgent, cfg.Source.RatePerSecond)
}

func initFetcher(st store.Store) (fetcher.Fetcher, error) {
	switch cfg.Source.Kind {
	case "store":
		return fetcher.NewStoreFetcher(st), nil
	case "live":
		return fetcher.NewLiveFetcher(initForum(), cfg.Source.PageSize), nil
	default:
		return nil, eris.Errorf("unsupported source kind: %s", cfg.Source.Kind)
	}
}

// buildPipeline wires the full processing graph from config: store,
// fetcher, concept resolver, stage runners, and the stats tracker.
func buildPipeline(st store.Store) (*pipeline.Pipeline, error) {
	f, err := initFetcher(st)
	if err != nil {
		return nil, err
	}

	if cfg.LLM.Key == "" {
		return nil, eris.New("anthropic API key is required (OPPSCAN_LLM_KEY)")
	}
	client := llm.NewClient(cfg.LLM.Key)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Pipeline.MaxRetries + 1

	runners, err := stage.Build(cfg.Stages.Enabled, cfg.Stages.Dependencies, client, stage.CallConfig{
		Model:     cfg.LLM.Model,
		MaxTokens: int64(cfg.LLM.MaxTokens),
		Timeout:   cfg.Pipeline.PerCallTimeout(),
		Retry:     retry,
	})
	if err != nil {
		return nil, eris.Wrap(err, "build stages")
	}

	rates := cost.DefaultRates()
	if len(cfg.Pricing.StageUSD) > 0 {
		rates = cost.Rates{StageUSD: cfg.Pricing.StageUSD}
	}
	tracker := stats.NewTracker(cost.NewCalculator(rates))

	resolver := concept.NewResolver(st, nil)

	return pipeline.New(cfg, st, f, resolver, runners, tracker), nil
}
