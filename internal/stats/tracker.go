// Package stats accumulates per-run pipeline outcome counters and the
// cost savings they imply.
package stats

import (
	"sync"

	"github.com/oppradar/oppscan/internal/cost"
	"github.com/oppradar/oppscan/internal/model"
)

// Tracker tallies fetch and stage outcomes across concurrent workers.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	fetched int
	dropped int
	stages  map[string]model.StageTally
	calc    *cost.Calculator
}

// NewTracker creates a Tracker priced by calc.
func NewTracker(calc *cost.Calculator) *Tracker {
	return &Tracker{
		stages: make(map[string]model.StageTally),
		calc:   calc,
	}
}

// ItemFetched counts one item entering the pipeline.
func (t *Tracker) ItemFetched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetched++
}

// ItemsDropped counts items the fetcher rejected at validation.
func (t *Tracker) ItemsDropped(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped += n
}

// Record counts one terminal outcome for the stage.
func (t *Tracker) Record(stage string, outcome model.StageOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tally := t.stages[stage]
	switch outcome {
	case model.OutcomeFresh:
		tally.Fresh++
	case model.OutcomeCopied:
		tally.Copied++
	case model.OutcomeSkipped:
		tally.Skipped++
	case model.OutcomeError:
		tally.Errors++
	default:
		return
	}
	t.stages[stage] = tally
}

// Snapshot returns the current stats with derived savings. The copy
// tallies price what each avoided fresh call would have cost.
func (t *Tracker) Snapshot() model.RunStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make(map[string]model.StageTally, len(t.stages))
	copied := make(map[string]int, len(t.stages))
	for name, tally := range t.stages {
		stages[name] = tally
		copied[name] = tally.Copied
	}

	return model.RunStats{
		Fetched:          t.fetched,
		Dropped:          t.dropped,
		Stages:           stages,
		EstimatedSavings: t.calc.Savings(copied),
	}
}
