// Package gate decides, per item and analysis stage, whether to spend a
// fresh external call, copy a previously computed result from the
// item's concept primary, or skip.
package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/concept"
	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/store"
)

// Action is the three-way outcome of a gate decision.
type Action string

const (
	ActionRunFresh Action = "run_fresh"
	ActionCopy     Action = "copy"
	ActionSkip     Action = "skip"
)

// Decision is the outcome of Decide. On Copy, Source carries the
// retrieved primary-item result so the caller makes no further call.
type Decision struct {
	Action       Action
	SourceItemID string
	Source       *model.StageResult
	Reason       string
}

// Gate makes the fresh/copy/skip decision for a single analysis stage.
type Gate struct {
	stage       string
	store       store.Store
	resolver    *concept.Resolver
	copyEnabled bool
}

// New creates a Gate for the named stage. When copyEnabled is false a
// prior concept result yields Skip instead of Copy.
func New(stage string, st store.Store, resolver *concept.Resolver, copyEnabled bool) *Gate {
	return &Gate{stage: stage, store: st, resolver: resolver, copyEnabled: copyEnabled}
}

// Stage returns the stage this gate decides for.
func (g *Gate) Stage() string {
	return g.stage
}

// Decide chooses fresh analysis, copy, or skip for the item given its
// resolved concept. Copy is preferred over Skip whenever a prior result
// exists, since copying preserves data while skipping loses it; Skip
// happens only when copying is disabled by configuration. Inconsistent
// state (flag set but source result missing) degrades to RunFresh
// rather than failing the item.
func (g *Gate) Decide(ctx context.Context, item model.Item, res concept.Resolution) Decision {
	if res.Unresolved {
		return Decision{Action: ActionRunFresh, Reason: "concept unresolved"}
	}
	c := res.Concept
	if c == nil || c.PrimaryItemID == "" || c.PrimaryItemID == item.ID {
		return Decision{Action: ActionRunFresh, Reason: "item is concept primary"}
	}

	if !c.HasStage(g.stage) {
		return Decision{Action: ActionRunFresh, Reason: "no prior analysis for concept"}
	}

	if !g.copyEnabled {
		return Decision{Action: ActionSkip, Reason: "copying disabled, prior result exists"}
	}

	src, err := g.store.GetStageResult(ctx, c.PrimaryItemID, g.stage)
	if err != nil {
		zap.L().Warn("gate: copy source lookup failed, running fresh",
			zap.String("stage", g.stage),
			zap.String("item_id", item.ID),
			zap.String("source_item_id", c.PrimaryItemID),
			zap.Error(err),
		)
		return Decision{Action: ActionRunFresh, Reason: "copy source lookup failed"}
	}
	if src == nil {
		// Flag says complete but the result row is gone.
		zap.L().Warn("gate: copy source missing, running fresh",
			zap.String("stage", g.stage),
			zap.String("item_id", item.ID),
			zap.String("source_item_id", c.PrimaryItemID),
		)
		return Decision{Action: ActionRunFresh, Reason: "copy source missing"}
	}

	return Decision{
		Action:       ActionCopy,
		SourceItemID: c.PrimaryItemID,
		Source:       src,
		Reason:       "prior result on concept primary",
	}
}

// MarkComplete flags the stage as computed for the concept. Callers
// invoke it only after the fresh or copied result is durably stored, so
// a later item can never observe the flag with no retrievable result.
func (g *Gate) MarkComplete(ctx context.Context, conceptID string) error {
	return g.resolver.MarkStageComplete(ctx, conceptID, g.stage)
}
