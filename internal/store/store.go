package store

import (
	"context"
	"fmt"

	"github.com/oppradar/oppscan/internal/model"
)

// ItemFilter specifies criteria for listing candidate items.
type ItemFilter struct {
	SourceTag     string `json:"source_tag,omitempty"`
	MinEngagement int    `json:"min_engagement,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// BatchError reports a single failed write within a batched upsert.
// A batch partial failure never silently drops sibling successes.
type BatchError struct {
	ItemID string
	Stage  string
	Err    error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("upsert %s/%s: %v", e.ItemID, e.Stage, e.Err)
}

func (e BatchError) Unwrap() error {
	return e.Err
}

// Store defines the persistence interface for the enrichment pipeline.
// All mutation is race-safe at the storage level (unique constraints,
// ON CONFLICT merges), not via application locks: workers may be spread
// across processes.
type Store interface {
	// Items
	ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error)
	UpsertItems(ctx context.Context, items []model.Item) (int64, error)

	// Concepts. CreateConcept is safe to call concurrently for the same
	// equivalence key: the loser of the race receives the winner's row.
	GetConceptByKey(ctx context.Context, key string) (*model.BusinessConcept, error)
	CreateConcept(ctx context.Context, key, primaryItemID string) (*model.BusinessConcept, error)
	GetConcept(ctx context.Context, conceptID string) (*model.BusinessConcept, error)
	AddConceptMember(ctx context.Context, conceptID string) error
	MarkStageComplete(ctx context.Context, conceptID, stage string) error

	// Stage results, keyed (item_id, stage) with merge semantics:
	// reruns never create duplicate rows.
	UpsertStageResult(ctx context.Context, res model.StageResult) error
	UpsertStageResults(ctx context.Context, results []model.StageResult) []BatchError
	GetStageResult(ctx context.Context, itemID, stage string) (*model.StageResult, error)

	// Runs
	CreateRun(ctx context.Context, dataSource string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
