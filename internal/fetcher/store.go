package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/store"
)

// storePageSize bounds each store round trip.
const storePageSize = 200

// StoreFetcher yields items previously ingested into the store.
type StoreFetcher struct {
	store store.Store
}

// NewStoreFetcher creates a store-backed Fetcher.
func NewStoreFetcher(st store.Store) *StoreFetcher {
	return &StoreFetcher{store: st}
}

func (f *StoreFetcher) Fetch(ctx context.Context, limit int, filters map[string]string) ItemIterator {
	return &storeIterator{
		ctx:    ctx,
		store:  f.store,
		limit:  limit,
		filter: store.ItemFilter{SourceTag: filters[FilterSource], MinEngagement: minEngagement(filters)},
	}
}

type storeIterator struct {
	ctx     context.Context
	store   store.Store
	limit   int
	filter  store.ItemFilter
	page    []model.Item
	idx     int
	offset  int
	yielded int
	dropped int
	done    bool
	err     error
	current model.Item
}

func (it *storeIterator) Next() bool {
	for {
		if it.err != nil || it.done {
			return false
		}
		if it.limit > 0 && it.yielded >= it.limit {
			return false
		}

		if it.idx >= len(it.page) {
			if !it.fill() {
				return false
			}
		}

		item := it.page[it.idx]
		it.idx++

		if err := item.Validate(); err != nil {
			it.dropped++
			zap.L().Warn("fetcher: dropping invalid item", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}

		it.current = item
		it.yielded++
		return true
	}
}

// fill loads the next page; returns false when the listing is exhausted
// or an error occurred.
func (it *storeIterator) fill() bool {
	f := it.filter
	f.Limit = storePageSize
	f.Offset = it.offset

	page, err := it.store.ListItems(it.ctx, f)
	if err != nil {
		it.err = err
		return false
	}
	if len(page) == 0 {
		it.done = true
		return false
	}

	it.offset += len(page)
	it.page = page
	it.idx = 0
	return true
}

func (it *storeIterator) Item() model.Item { return it.current }
func (it *storeIterator) Err() error       { return it.err }
func (it *storeIterator) Dropped() int     { return it.dropped }
func (it *storeIterator) Close() error     { return nil }
