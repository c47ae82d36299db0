package model

import "time"

// BusinessConcept is a cluster of items judged to represent the same
// underlying idea. Exactly one primary item per concept: the first item
// ever mapped to it, and the source of truth for copy outcomes.
type BusinessConcept struct {
	ID             string    `json:"id"`
	EquivalenceKey string    `json:"equivalence_key"`
	PrimaryItemID  string    `json:"primary_item_id"`
	MemberCount    int       `json:"member_count"`
	StagesDone     []string  `json:"stages_done,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasStage reports whether the given analysis stage has already been
// computed for this concept. Stage flags only transition false→true.
func (c *BusinessConcept) HasStage(stage string) bool {
	for _, s := range c.StagesDone {
		if s == stage {
			return true
		}
	}
	return false
}
