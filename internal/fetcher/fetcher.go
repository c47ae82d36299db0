// Package fetcher abstracts acquisition of candidate items from either
// the persistent store or the live forum source.
package fetcher

import (
	"context"
	"strconv"

	"github.com/oppradar/oppscan/internal/model"
)

// Recognized filter keys for Fetch.
const (
	FilterSource        = "source"
	FilterMinEngagement = "min_engagement"
)

// ItemIterator streams validated items. Items failing validation are
// dropped, never yielded; Dropped exposes the count so the caller can
// tally them as errors.
type ItemIterator interface {
	Next() bool
	Item() model.Item
	Err() error
	Dropped() int
	Close() error
}

// Fetcher yields candidate items. Each Fetch call begins a fresh
// sequence; implementations hold no cursor state across calls. The
// pipeline depends only on this contract, never on which variant is
// active.
type Fetcher interface {
	Fetch(ctx context.Context, limit int, filters map[string]string) ItemIterator
}

func minEngagement(filters map[string]string) int {
	if filters == nil {
		return 0
	}
	n, err := strconv.Atoi(filters[FilterMinEngagement])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// errIterator is an ItemIterator that yields nothing but an error.
type errIterator struct {
	err error
}

func (it *errIterator) Next() bool       { return false }
func (it *errIterator) Item() model.Item { return model.Item{} }
func (it *errIterator) Err() error       { return it.err }
func (it *errIterator) Dropped() int     { return 0 }
func (it *errIterator) Close() error     { return nil }
