package model

// StageOutcome is the terminal state of one (item, stage) pair.
type StageOutcome string

const (
	OutcomePending StageOutcome = "pending"
	OutcomeFresh   StageOutcome = "fresh"
	OutcomeCopied  StageOutcome = "copied"
	OutcomeSkipped StageOutcome = "skipped"
	OutcomeError   StageOutcome = "error"
)

// Terminal reports whether the outcome is final for its stage.
func (o StageOutcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

// StageTally counts terminal outcomes for one stage across a run.
// For every run, fresh+copied+skipped+errors equals the number of
// items that entered the stage.
type StageTally struct {
	Fresh   int `json:"fresh"`
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Total returns the number of terminal outcomes tallied.
func (t StageTally) Total() int {
	return t.Fresh + t.Copied + t.Skipped + t.Errors
}

// RunStats is the per-run summary of pipeline decisions and the cost
// savings they produced. Created at run start, mutated throughout,
// reported at run end.
type RunStats struct {
	Fetched          int                   `json:"fetched"`
	Dropped          int                   `json:"dropped"`
	Stages           map[string]StageTally `json:"stages"`
	EstimatedSavings float64               `json:"estimated_savings_usd"`
}

// Tally returns the aggregate tally across all stages.
func (s RunStats) Tally() StageTally {
	var agg StageTally
	for _, t := range s.Stages {
		agg.Fresh += t.Fresh
		agg.Copied += t.Copied
		agg.Skipped += t.Skipped
		agg.Errors += t.Errors
	}
	return agg
}
