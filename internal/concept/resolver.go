// Package concept maps items to business concepts: clusters of
// semantically equivalent items with one designated primary item.
package concept

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/store"
)

// KeyFunc supplies the concept-equivalence key for an item.
type KeyFunc func(item model.Item) string

// Resolution is the outcome of resolving an item to a concept.
// Unresolved means the lookup itself failed (storage unavailable);
// callers must treat that as "assume no existing concept" and run fresh
// analysis rather than skipping. Fail open toward cost, not data loss.
type Resolution struct {
	Concept    *model.BusinessConcept
	Unresolved bool
	Created    bool // this item became the concept's primary
}

// Resolver maps items to business concepts backed by the store.
type Resolver struct {
	store store.Store
	keyFn KeyFunc
}

// NewResolver creates a Resolver. If keyFn is nil the title-based
// EquivalenceKey is used.
func NewResolver(st store.Store, keyFn KeyFunc) *Resolver {
	if keyFn == nil {
		keyFn = func(item model.Item) string { return EquivalenceKey(item.Title) }
	}
	return &Resolver{store: st, keyFn: keyFn}
}

// ResolveOrCreate looks up the concept for the item's equivalence key,
// creating one with this item as primary if none exists. Concurrent
// calls for the same key yield one concept: creation relies on a unique
// constraint, and the loser of the race re-reads the winner's row.
// Storage failures return an Unresolved sentinel instead of an error.
func (r *Resolver) ResolveOrCreate(ctx context.Context, item model.Item) Resolution {
	key := r.keyFn(item)

	c, err := r.store.GetConceptByKey(ctx, key)
	if err != nil {
		zap.L().Warn("concept: lookup failed, failing open to fresh analysis",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return Resolution{Unresolved: true}
	}

	if c == nil {
		c, err = r.store.CreateConcept(ctx, key, item.ID)
		if err != nil {
			zap.L().Warn("concept: create failed, failing open to fresh analysis",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			return Resolution{Unresolved: true}
		}
		if c.PrimaryItemID == item.ID {
			return Resolution{Concept: c, Created: true}
		}
		// Lost the race: another worker created the concept first.
	}

	if c.PrimaryItemID != item.ID {
		// Member count is advisory; a failed increment never blocks the item.
		if err := r.store.AddConceptMember(ctx, c.ID); err != nil {
			zap.L().Warn("concept: member increment failed",
				zap.String("concept_id", c.ID),
				zap.Error(err),
			)
		}
	}

	return Resolution{Concept: c}
}

// MarkStageComplete idempotently flags the stage as computed for the
// concept. Call only after the stage result is durably stored, so no
// later item can observe the flag without a retrievable result.
func (r *Resolver) MarkStageComplete(ctx context.Context, conceptID, stage string) error {
	if err := r.store.MarkStageComplete(ctx, conceptID, stage); err != nil {
		return eris.Wrapf(err, "concept: mark %s complete", stage)
	}
	return nil
}

// PrimaryItemID returns the concept's primary item, the copy source for
// dedup decisions.
func (r *Resolver) PrimaryItemID(ctx context.Context, conceptID string) (string, error) {
	c, err := r.store.GetConcept(ctx, conceptID)
	if err != nil {
		return "", eris.Wrapf(err, "concept: get %s", conceptID)
	}
	if c == nil {
		return "", eris.Errorf("concept not found: %s", conceptID)
	}
	return c.PrimaryItemID, nil
}
