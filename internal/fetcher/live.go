package fetcher

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/pkg/forum"
)

// LiveFetcher yields items straight from the forum listing API.
type LiveFetcher struct {
	client   forum.Client
	pageSize int
}

// NewLiveFetcher creates a live-source Fetcher. pageSize bounds each
// listing request (the API caps it server-side anyway).
func NewLiveFetcher(client forum.Client, pageSize int) *LiveFetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &LiveFetcher{client: client, pageSize: pageSize}
}

func (f *LiveFetcher) Fetch(ctx context.Context, limit int, filters map[string]string) ItemIterator {
	source := filters[FilterSource]
	if source == "" {
		return &errIterator{err: eris.New("fetcher: live source requires a 'source' filter")}
	}
	return &liveIterator{
		ctx:      ctx,
		client:   f.client,
		source:   source,
		pageSize: f.pageSize,
		limit:    limit,
		minEng:   minEngagement(filters),
	}
}

type liveIterator struct {
	ctx      context.Context
	client   forum.Client
	source   string
	pageSize int
	limit    int
	minEng   int

	page    []forum.Post
	idx     int
	after   string
	started bool
	done    bool
	yielded int
	dropped int
	err     error
	current model.Item
}

func (it *liveIterator) Next() bool {
	for {
		if it.err != nil || (it.done && it.idx >= len(it.page)) {
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

		post := it.page[it.idx]
		it.idx++

		item := model.Item{
			ID:              post.ID,
			Title:           post.Title,
			Body:            post.Body,
			SourceTag:       post.SourceTag,
			EngagementScore: post.Score,
			CreatedAt:       post.CreatedAt,
		}

		if err := item.Validate(); err != nil {
			it.dropped++
			zap.L().Warn("fetcher: dropping invalid live item", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if it.minEng > 0 && item.EngagementScore < it.minEng {
			continue
		}

		it.current = item
		it.yielded++
		return true
	}
}

func (it *liveIterator) fill() bool {
	if it.done {
		return false
	}

	page, err := it.client.Listing(it.ctx, it.source, it.pageSize, it.after)
	if err != nil {
		it.err = eris.Wrapf(err, "fetcher: live listing %s", it.source)
		return false
	}

	it.started = true
	it.page = page.Posts
	it.idx = 0
	it.after = page.After
	if page.After == "" || len(page.Posts) == 0 {
		it.done = true
	}
	return len(page.Posts) > 0
}

func (it *liveIterator) Item() model.Item { return it.current }
func (it *liveIterator) Err() error       { return it.err }
func (it *liveIterator) Dropped() int     { return it.dropped }
func (it *liveIterator) Close() error     { return nil }
