package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/extract"
)

var (
	// ErrAlreadyLoaded is returned when Load is called twice on one adapter.
	ErrAlreadyLoaded = errors.New("adapter already loaded")
	// ErrNotLoaded is returned when paging starts before Load.
	ErrNotLoaded = errors.New("adapter not loaded")
)

// Option customizes an adapter.
type Option func(*session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used for data_fetched_time stamps.
func WithClock(c crawler.Clock) Option {
	return func(s *session) {
		if c != nil {
			s.clock = c
		}
	}
}

// session carries what one page load learns and later requests reuse: the
// consent cookie, the API key and the client context.
type session struct {
	fetcher crawler.Fetcher
	site    *Site
	logger  *zap.Logger
	clock   crawler.Clock

	cookie  string
	apiKey  string
	client  gjson.Result
	headers http.Header
}

type continuation struct {
	token         string
	clickTracking string
}

func newSession(f crawler.Fetcher, site *Site, name string, opts []Option) session {
	s := session{
		fetcher: f,
		site:    site,
		logger:  zap.NewNop(),
		clock:   system.New(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.Named(name)
	return s
}

// loadPage fetches an HTML page, accepting the consent interstitial once
// when it shows up.
func (s *session) loadPage(ctx context.Context, pageURL string) (*extract.Page, error) {
	page, err := s.getPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	consent := s.site.Consent
	if consent.FormSelector == "" || !page.Has(consent.FormSelector) {
		return page, nil
	}
	value, ok := page.Attr(consent.ValueSelector, "value")
	if !ok {
		return page, nil
	}
	s.cookie = strings.ReplaceAll(consent.Cookie, "{value}", value)
	s.logger.Debug("accepting consent page", zap.String("url", pageURL))
	return s.getPage(ctx, pageURL)
}

func (s *session) getPage(ctx context.Context, pageURL string) (*extract.Page, error) {
	req := crawler.FetchRequest{URL: pageURL, Headers: http.Header{}}
	if s.cookie != "" {
		req.Headers.Set("Cookie", s.cookie)
	}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	page, err := extract.ParsePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrRequestFailed, err)
	}
	return page, nil
}

// readConfig pulls the API key and client context out of the page config
// blob and prepares continuation headers.
func (s *session) readConfig(page *extract.Page) error {
	markers := s.site.Page
	cfg, err := page.ScriptJSON(markers.ConfigMarker)
	if err != nil {
		return fmt.Errorf("%w: page config: %w", crawler.ErrRequestFailed, err)
	}
	s.apiKey = cfg.Get(markers.APIKeyPath).String()
	if s.apiKey == "" {
		return fmt.Errorf("%w: no api key at %q", crawler.ErrRequestFailed, markers.APIKeyPath)
	}
	if markers.ClientContextPath != "" {
		s.client = cfg.Get(markers.ClientContextPath)
	}

	s.headers = http.Header{}
	for k, v := range s.site.API.Headers {
		s.headers.Set(k, v)
	}
	if h := s.site.API.ClientVersionHeader; h != "" && s.client.Exists() {
		s.headers.Set(h, s.client.Get(s.site.API.ClientVersionPath).String())
	}
	if s.cookie != "" {
		s.headers.Set("Cookie", s.cookie)
	}
	return nil
}

func (s *session) initialData(page *extract.Page) (gjson.Result, error) {
	data, err := page.ScriptJSON(s.site.Page.InitialDataMarker)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: initial data: %w", crawler.ErrRequestFailed, err)
	}
	return data, nil
}

// post sends a JSON body to an API endpoint template and parses the reply.
func (s *session) post(ctx context.Context, template string, body any, headers http.Header) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode request: %w", err)
	}
	endpoint := expand(template, map[string]string{"key": s.apiKey})
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     endpoint,
		Method:  http.MethodPost,
		Body:    payload,
		Headers: headers,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api request: %w", err)
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json from %s", crawler.ErrRequestFailed, endpoint)
	}
	return gjson.ParseBytes(resp.Body), nil
}

// nextPage finds the continuation token in a listing, or nil at the end.
func (s *session) nextPage(data gjson.Result) *continuation {
	c := s.site.Continuation
	endpoint := extract.FindKey(data, c.EndpointKey)
	if !endpoint.Exists() {
		return nil
	}
	token := endpoint.Get(c.TokenPath).String()
	if token == "" {
		return nil
	}
	return &continuation{token: token, clickTracking: endpoint.Get(c.ClickTrackingPath).String()}
}

// continueListing posts a continuation token the way the site's own client
// does and returns the next page of the listing.
func (s *session) continueListing(ctx context.Context, template string, next *continuation) (gjson.Result, error) {
	client := s.client.Get("client")
	if !client.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: page had no client context", crawler.ErrRequestFailed)
	}
	body := map[string]any{
		"context": map[string]any{
			"clickTracking": map[string]string{"clickTrackingParams": next.clickTracking},
			"client":        json.RawMessage(client.Raw),
		},
		"continuation": next.token,
	}
	return s.post(ctx, template, body, s.headers.Clone())
}

func (s *session) now() int64 {
	return s.clock.Now().Unix()
}
