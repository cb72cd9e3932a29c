// Package adapter implements the video, channel and search crawl adapters
// on top of a crawler.Fetcher and the extract helpers.
package adapter

import (
	"context"
	"fmt"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
)

// maxEmptyPages stops paging when a listing keeps handing out continuation
// tokens without new items.
const maxEmptyPages = 3

// Drain loads seed, then pages while the adapter has more and holds fewer
// than limit items. A limit of zero or less means no limit.
func Drain[S, I, R any](ctx context.Context, a crawler.Adapter[S, I, R], seed S, limit int) (R, error) {
	var zero R
	if err := a.Load(ctx, seed); err != nil {
		return zero, err
	}
	empty := 0
	for a.HasMore() && (limit <= 0 || a.Held() < limit) && empty < maxEmptyPages {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("drain: %w", err)
		}
		items, err := a.FetchMore(ctx)
		if err != nil {
			return zero, err
		}
		if len(items) == 0 {
			empty++
		} else {
			empty = 0
		}
	}
	return a.Record(), nil
}
