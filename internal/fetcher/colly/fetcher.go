// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
)

const defaultMaxBodySize = 32 << 20

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// ProxyURLs are used in round-robin order. Empty means direct or the
	// environment's proxy settings.
	ProxyURLs []string
	// Headers are sent with every request unless the request overrides them.
	Headers     http.Header
	MaxBodySize int
}

// Waiter throttles requests, typically per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Observer is told the status of every attempt. Code is 0 when no response arrived.
type Observer interface {
	Fetched(rawURL string, code int)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles every attempt through w.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) { f.limiter = w }
}

// WithRetryPolicy retries failed attempts according to p.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(f *Fetcher) { f.retry = p }
}

// WithObserver reports attempt outcomes to o.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithTransport replaces the HTTP transport. Proxy settings are then the
// transport's concern.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       Waiter
	retry         crawler.RetryPolicy
	observer      Observer
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	f := &Fetcher{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		transport := newHTTPTransport()
		if len(cfg.ProxyURLs) > 0 {
			switcher, err := proxy.RoundRobinProxySwitcher(cfg.ProxyURLs...)
			if err != nil {
				return nil, fmt.Errorf("configure proxies: %w", err)
			}
			transport.Proxy = switcher
		}
		f.transport = transport
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(f.transport)
	f.baseCollector = c
	return f, nil
}

// Fetch performs the request, retrying per the configured policy. Errors
// unwrap to crawler.ErrNotFound, crawler.ErrUnavailable or
// crawler.ErrRequestFailed.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Method == "" {
		request.Method = http.MethodGet
	}
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrRequestFailed, err)
			}
		}
		resp, err := f.fetchOnce(ctx, request)
		resp.Attempts = attempt
		if err == nil {
			return resp, nil
		}
		if f.retry == nil || !f.retry.ShouldRetry(err, attempt) {
			return resp, err
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, fmt.Errorf("%w: %w", crawler.ErrRequestFailed, ctx.Err())
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	finished, err := f.runCollector(ctx, collector, request)
	if !finished {
		// The collector goroutine still owns result.
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s %s: %w", crawler.ErrRequestFailed, request.Method, request.URL, err)
	}
	if f.observer != nil {
		f.observer.Fetched(request.URL, result.StatusCode)
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, &crawler.StatusError{Method: request.Method, URL: request.URL, Code: result.StatusCode}
	}
	if err == nil {
		err = fetchErr
	}
	if err != nil {
		return result, fmt.Errorf("%w: %s %s: %w", crawler.ErrRequestFailed, request.Method, request.URL, err)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = responseFrom(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*result = responseFrom(r, start)
		}
		*fetchErr = err
	})
}

func responseFrom(r *colly.Response, start time.Time) crawler.FetchResponse {
	resp := crawler.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request crawler.FetchRequest) (bool, error) {
	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(request.Method, request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly request failed: %w", err)
		}
		return true, nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range f.cfg.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if request.Body != nil && r.Headers.Get("Content-Type") == "" {
		r.Headers.Set("Content-Type", "application/json")
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
