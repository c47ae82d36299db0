// Package forum is a client for the public discussion-forum listing
// API used as the live item source.
package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/oppradar/oppscan/internal/resilience"
)

// Post is one forum submission as returned by the listing endpoint.
type Post struct {
	ID        string
	Title     string
	Body      string
	SourceTag string
	Score     int
	CreatedAt time.Time
}

// Page is one page of listing results. After is the pagination cursor
// for the next page; empty when the listing is exhausted.
type Page struct {
	Posts []Post
	After string
}

// Client fetches listing pages from the forum API.
type Client interface {
	Listing(ctx context.Context, sourceTag string, limit int, after string) (*Page, error)
}

// HTTPClient implements Client against the public JSON listing endpoint.
type HTTPClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewHTTPClient creates a rate-limited listing client. The public API
// throttles aggressively, so requests are paced at ratePerSecond.
func NewHTTPClient(baseURL, userAgent string, ratePerSecond float64) *HTTPClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &HTTPClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

// listingEnvelope mirrors the wire shape of the listing endpoint.
type listingEnvelope struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Title      string  `json:"title"`
				SelfText   string  `json:"selftext"`
				Subreddit  string  `json:"subreddit"`
				Score      int     `json:"score"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (c *HTTPClient) Listing(ctx context.Context, sourceTag string, limit int, after string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "forum: rate limit wait")
	}

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after != "" {
		q.Set("after", after)
	}
	u := fmt.Sprintf("%s/r/%s/new.json?%s", c.baseURL, url.PathEscape(sourceTag), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "forum: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "forum: request"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("forum: listing %s returned %d", sourceTag, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var env listingEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resilience.NewValidationError(eris.Wrap(err, "forum: decode listing"))
	}

	page := &Page{After: env.Data.After}
	for _, child := range env.Data.Children {
		d := child.Data
		page.Posts = append(page.Posts, Post{
			ID:        d.ID,
			Title:     d.Title,
			Body:      d.SelfText,
			SourceTag: d.Subreddit,
			Score:     d.Score,
			CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		})
	}
	return page, nil
}
