package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/extract"
)

// Search runs a query and pages through the results. Items are videos and
// channels, deduplicated by id.
type Search struct {
	session

	query  string
	loaded bool
	items  itemSet
	next   *continuation
}

var _ crawler.Adapter[string, crawler.ListItem, crawler.SearchResult] = (*Search)(nil)

// NewSearch returns an adapter for a single query.
func NewSearch(f crawler.Fetcher, site *Site, options ...Option) *Search {
	return &Search{session: newSession(f, site, "search", options), items: newItemSet()}
}

// Load fetches the first results page.
func (s *Search) Load(ctx context.Context, query string) error {
	if s.loaded {
		return ErrAlreadyLoaded
	}
	cfg := s.site.Search
	page, err := s.loadPage(ctx, expand(cfg.PageURL, map[string]string{"query": query}))
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}
	if err := s.readConfig(page); err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}
	data, err := s.initialData(page)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}

	s.query = query
	s.items.addFrom(extract.FindKey(data, cfg.ContentsKey), s.site.Items, cfg.Items)
	s.next = s.nextPage(data)
	s.loaded = true
	s.logger.Debug("search loaded",
		zap.String("query", query),
		zap.Int("items", s.items.len()),
	)
	return nil
}

// HasMore reports whether another results page exists.
func (s *Search) HasMore() bool {
	return s.next != nil
}

// Held returns the number of distinct results.
func (s *Search) Held() int {
	return s.items.len()
}

// FetchMore pulls the next results page and returns the new items.
func (s *Search) FetchMore(ctx context.Context) ([]crawler.ListItem, error) {
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	if s.next == nil {
		return nil, nil
	}
	data, err := s.continueListing(ctx, s.site.Search.SearchURL, s.next)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", s.query, err)
	}
	s.next = s.nextPage(data)
	return s.items.addFrom(data, s.site.Items, s.site.Search.Items), nil
}

// Record assembles the result snapshot.
func (s *Search) Record() crawler.SearchResult {
	return crawler.SearchResult{
		Query:           s.query,
		Items:           s.items.list(),
		DataFetchedTime: s.now(),
	}
}
