package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Item is a candidate content record pulled from a discussion forum.
// Immutable once fetched; owned by the orchestrator for one pipeline pass.
type Item struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Body            string    `json:"body,omitempty"`
	SourceTag       string    `json:"source_tag"`
	EngagementScore int       `json:"engagement_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the fields every downstream component relies on.
// Items failing validation are dropped by the fetcher and tallied as
// errors by the caller.
func (i Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return eris.New("item: empty id")
	}
	if strings.TrimSpace(i.Title) == "" {
		return eris.Errorf("item %s: empty title", i.ID)
	}
	if strings.TrimSpace(i.SourceTag) == "" {
		return eris.Errorf("item %s: empty source tag", i.ID)
	}
	return nil
}

// Text returns the combined title and body used as analysis input.
func (i Item) Text() string {
	if i.Body == "" {
		return i.Title
	}
	return i.Title + "\n\n" + i.Body
}
