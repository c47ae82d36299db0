package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Provenance records how a stage result was obtained: a fresh external
// call, or a copy from a concept primary's stored result.
type Provenance string

// ProvenanceFresh marks a result computed by a fresh external call.
const ProvenanceFresh Provenance = "fresh"

const copiedFromPrefix = "copied-from:"

// CopiedFrom builds the provenance for a result copied from the given
// primary item.
func CopiedFrom(sourceItemID string) Provenance {
	return Provenance(copiedFromPrefix + sourceItemID)
}

// IsCopy reports whether the provenance denotes a copied result.
func (p Provenance) IsCopy() bool {
	return strings.HasPrefix(string(p), copiedFromPrefix)
}

// SourceItemID returns the item the result was copied from, or "" for
// fresh results.
func (p Provenance) SourceItemID() string {
	if !p.IsCopy() {
		return ""
	}
	return strings.TrimPrefix(string(p), copiedFromPrefix)
}

// StageResult is the output of one analysis stage for one item.
// At most one exists per (item, stage); the store enforces this with an
// idempotent upsert on that composite key.
type StageResult struct {
	ItemID     string          `json:"item_id"`
	Stage      string          `json:"stage"`
	Payload    json.RawMessage `json:"payload"`
	Provenance Provenance      `json:"provenance"`
	ComputedAt time.Time       `json:"computed_at"`
}

// EvidenceBundle carries an upstream stage's stored payload into a
// dependent stage's external call. Built immediately before the call,
// never persisted: evidence always reflects what is stored, even when
// the stored value was itself a copy.
type EvidenceBundle struct {
	Stage      string          `json:"stage"`
	Payload    json.RawMessage `json:"payload"`
	Provenance Provenance      `json:"provenance"`
}
