package crawler

import (
	"context"
	"time"
)

// Adapter pulls one resource from the site. S is the seed (an id or a
// query), I is the item type returned by paging and R is the final record.
//
// Load must be called first. FetchMore only returns items not already held,
// compared by primary id.
type Adapter[S, I, R any] interface {
	Load(ctx context.Context, seed S) error
	HasMore() bool
	FetchMore(ctx context.Context) ([]I, error)
	Held() int
	Record() R
}

// Fetcher fetches a URL and returns the body plus metadata. Failures are
// classified with ErrNotFound, ErrUnavailable or ErrRequestFailed.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// RetryPolicy decides whether a failed fetch is tried again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
