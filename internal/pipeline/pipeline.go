// Package pipeline chains the search, video and channel queues. A search
// feeds video ids to the video queue, and every video feeds its channel to
// the channel queue. Each finished record goes to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/adapter"
	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/sink"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
	"github.com/JakeFAU/tubecrawler/internal/workqueue"
)

// Queue names, also used as API path segments and metric labels.
const (
	SearchQueue  = "search"
	VideoQueue   = "video"
	ChannelQueue = "channel"
)

const (
	defaultVideoConcurrency   = 3
	defaultChannelConcurrency = 2
	defaultMaxVideos          = 100
)

// ErrUnknownQueue is returned for a queue name the pipeline does not have.
var ErrUnknownQueue = errors.New("unknown queue")

// VideoAdapter is a video crawl that also reports the uploading channel.
type VideoAdapter interface {
	crawler.Adapter[string, crawler.Transcript, crawler.VideoInfo]
	ChannelID() string
}

type (
	// ChannelAdapter crawls one channel.
	ChannelAdapter = crawler.Adapter[string, crawler.ListItem, crawler.ChannelInfo]
	// SearchAdapter crawls one search query.
	SearchAdapter = crawler.Adapter[string, crawler.ListItem, crawler.SearchResult]
)

// Adapters builds a fresh adapter per task.
type Adapters struct {
	Video   func() VideoAdapter
	Channel func() ChannelAdapter
	Search  func() SearchAdapter
}

// SiteAdapters returns factories backed by the adapter package.
func SiteAdapters(f crawler.Fetcher, site *adapter.Site, video adapter.VideoOptions, opts ...adapter.Option) Adapters {
	return Adapters{
		Video:   func() VideoAdapter { return adapter.NewVideo(f, site, video, opts...) },
		Channel: func() ChannelAdapter { return adapter.NewChannel(f, site, opts...) },
		Search:  func() SearchAdapter { return adapter.NewSearch(f, site, opts...) },
	}
}

// QueueOptions tunes one queue.
type QueueOptions struct {
	Concurrency            int
	SuccessExpiry          *time.Duration
	FailureExpiry          *time.Duration
	WarnOnDuplicateEnqueue bool
	// Store defaults to an in-memory store owned by the queue.
	Store taskstore.Store[string]
}

// Config wires the pipeline.
type Config struct {
	Adapters Adapters
	Sink     sink.Sink
	Video    QueueOptions
	Channel  QueueOptions
	Search   QueueOptions
	// MaxVideosPerChannel bounds channel paging. Zero means 100, negative
	// means no limit.
	MaxVideosPerChannel int
	// MaxSearchResults bounds search paging. Zero or less pages until the
	// listing runs out.
	MaxSearchResults int
	Logger           *zap.Logger
	Observer         workqueue.Observer
	BaseContext      context.Context
}

// Pipeline owns the three queues.
type Pipeline struct {
	adapters  Adapters
	sink      sink.Sink
	logger    *zap.Logger
	maxVideos int
	maxSearch int

	videos   *workqueue.Queue[string, crawler.VideoInfo]
	channels *workqueue.Queue[string, crawler.ChannelInfo]
	searches *workqueue.Queue[string, crawler.SearchResult]
}

// New starts the queues.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Adapters.Video == nil || cfg.Adapters.Channel == nil || cfg.Adapters.Search == nil {
		return nil, errors.New("pipeline: adapters are required")
	}
	p := &Pipeline{
		adapters:  cfg.Adapters,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		maxVideos: cfg.MaxVideosPerChannel,
		maxSearch: cfg.MaxSearchResults,
	}
	if p.sink == nil {
		p.sink = sink.Multi{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("pipeline")
	if p.maxVideos == 0 {
		p.maxVideos = defaultMaxVideos
	}

	var err error
	p.channels, err = workqueue.New(ctx, workqueue.Config[string, crawler.ChannelInfo]{
		Name:                   ChannelQueue,
		Concurrency:            withDefault(cfg.Channel.Concurrency, defaultChannelConcurrency),
		Worker:                 p.crawlChannel,
		ReKey:                  adapter.CanonicalChannelID,
		WarnOnDuplicateEnqueue: cfg.Channel.WarnOnDuplicateEnqueue,
		SuccessExpiry:          cfg.Channel.SuccessExpiry,
		FailureExpiry:          cfg.Channel.FailureExpiry,
		Store:                  cfg.Channel.Store,
		OnStart:                logStart[string, crawler.ChannelInfo](p.logger),
		OnSuccess: func(ev workqueue.SuccessEvent[string, crawler.ChannelInfo]) {
			p.logger.Info("channel crawled",
				zap.String("task_id", ev.ID),
				zap.String("channel_id", ev.Result.ID),
				zap.Int("videos", len(ev.Result.Videos)),
			)
		},
		OnFail:      logFail[string, crawler.ChannelInfo](p.logger),
		Logger:      cfg.Logger,
		Observer:    cfg.Observer,
		BaseContext: cfg.BaseContext,
	})
	if err != nil {
		return nil, fmt.Errorf("channel queue: %w", err)
	}

	p.videos, err = workqueue.New(ctx, workqueue.Config[string, crawler.VideoInfo]{
		Name:                   VideoQueue,
		Concurrency:            withDefault(cfg.Video.Concurrency, defaultVideoConcurrency),
		Worker:                 p.crawlVideo,
		WarnOnDuplicateEnqueue: cfg.Video.WarnOnDuplicateEnqueue,
		SuccessExpiry:          cfg.Video.SuccessExpiry,
		FailureExpiry:          cfg.Video.FailureExpiry,
		Store:                  cfg.Video.Store,
		OnStart:                logStart[string, crawler.VideoInfo](p.logger),
		OnSuccess: func(ev workqueue.SuccessEvent[string, crawler.VideoInfo]) {
			p.logger.Info("video crawled",
				zap.String("task_id", ev.ID),
				zap.String("title", ev.Result.Title),
				zap.Int("transcripts", len(ev.Result.Transcripts)),
			)
		},
		OnFail:      logFail[string, crawler.VideoInfo](p.logger),
		Logger:      cfg.Logger,
		Observer:    cfg.Observer,
		BaseContext: cfg.BaseContext,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("video queue: %w", err), p.channels.Close(ctx))
	}

	p.searches, err = workqueue.New(ctx, workqueue.Config[string, crawler.SearchResult]{
		Name:                   SearchQueue,
		Concurrency:            cfg.Search.Concurrency,
		Worker:                 p.crawlSearch,
		WarnOnDuplicateEnqueue: cfg.Search.WarnOnDuplicateEnqueue,
		SuccessExpiry:          cfg.Search.SuccessExpiry,
		FailureExpiry:          cfg.Search.FailureExpiry,
		Store:                  cfg.Search.Store,
		OnStart:                logStart[string, crawler.SearchResult](p.logger),
		OnSuccess: func(ev workqueue.SuccessEvent[string, crawler.SearchResult]) {
			p.logger.Info("search crawled",
				zap.String("query", ev.ID),
				zap.Int("items", len(ev.Result.Items)),
			)
		},
		OnFail:      logFail[string, crawler.SearchResult](p.logger),
		Logger:      cfg.Logger,
		Observer:    cfg.Observer,
		BaseContext: cfg.BaseContext,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("search queue: %w", err), p.videos.Close(ctx), p.channels.Close(ctx))
	}
	return p, nil
}

func withDefault(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}

func logStart[T, R any](logger *zap.Logger) func(workqueue.StartEvent[T, R]) {
	return func(ev workqueue.StartEvent[T, R]) {
		logger.Info("crawl started", zap.String("queue", ev.Queue.Name()), zap.String("task_id", ev.ID))
	}
}

func logFail[T, R any](logger *zap.Logger) func(workqueue.FailEvent[T, R]) {
	return func(ev workqueue.FailEvent[T, R]) {
		logger.Warn("crawl failed",
			zap.String("queue", ev.Queue.Name()),
			zap.String("task_id", ev.ID),
			zap.Error(ev.Err),
		)
	}
}

// Videos returns the video queue.
func (p *Pipeline) Videos() *workqueue.Queue[string, crawler.VideoInfo] { return p.videos }

// Channels returns the channel queue.
func (p *Pipeline) Channels() *workqueue.Queue[string, crawler.ChannelInfo] { return p.channels }

// Searches returns the search queue.
func (p *Pipeline) Searches() *workqueue.Queue[string, crawler.SearchResult] { return p.searches }

// EnqueueVideo queues a video id.
func (p *Pipeline) EnqueueVideo(ctx context.Context, id string) (bool, error) {
	return p.videos.Enqueue(ctx, id, id)
}

// EnqueueChannel queues a channel id in any form CanonicalChannelID accepts.
func (p *Pipeline) EnqueueChannel(ctx context.Context, id string) (bool, error) {
	return p.channels.Enqueue(ctx, id, id)
}

// EnqueueSearch queues a search query.
func (p *Pipeline) EnqueueSearch(ctx context.Context, query string) (bool, error) {
	return p.searches.Enqueue(ctx, query, query)
}

func (p *Pipeline) crawlSearch(ctx context.Context, query, _ string) (crawler.SearchResult, error) {
	result, err := adapter.Drain(ctx, p.adapters.Search(), query, p.maxSearch)
	if err != nil {
		return result, err
	}
	for _, item := range result.Items {
		if item.Type != crawler.KindVideo {
			continue
		}
		if _, err := p.videos.Enqueue(ctx, item.ID, item.ID); err != nil {
			p.logger.Warn("enqueue video from search failed",
				zap.String("query", query),
				zap.String("video_id", item.ID),
				zap.Error(err),
			)
		}
	}
	if err := p.sink.Write(ctx, crawler.KindSearch, query, result); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pipeline) crawlVideo(ctx context.Context, videoID, _ string) (crawler.VideoInfo, error) {
	a := p.adapters.Video()
	if err := a.Load(ctx, videoID); err != nil {
		return crawler.VideoInfo{}, err
	}
	if channelID := a.ChannelID(); channelID != "" {
		if _, err := p.channels.Enqueue(ctx, channelID, channelID); err != nil {
			p.logger.Warn("enqueue channel from video failed",
				zap.String("video_id", videoID),
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
		}
	}
	for a.HasMore() {
		if _, err := a.FetchMore(ctx); err != nil {
			return crawler.VideoInfo{}, err
		}
	}
	info := a.Record()
	if err := p.sink.Write(ctx, crawler.KindVideo, videoID, info); err != nil {
		return info, err
	}
	return info, nil
}

func (p *Pipeline) crawlChannel(ctx context.Context, channelID, taskID string) (crawler.ChannelInfo, error) {
	info, err := adapter.Drain(ctx, p.adapters.Channel(), channelID, p.maxVideos)
	if err != nil {
		return info, err
	}
	// A crawl started from a handle also covers the channel's canonical id.
	if info.ID != "" {
		if canonical := adapter.CanonicalChannelID(info.ID); canonical != taskID {
			if err := p.channels.MarkSucceeded(ctx, canonical); err != nil {
				p.logger.Warn("mark canonical channel failed",
					zap.String("task_id", taskID),
					zap.String("canonical_id", canonical),
					zap.Error(err),
				)
			}
		}
	}
	if err := p.sink.Write(ctx, crawler.KindChannel, taskID, info); err != nil {
		return info, err
	}
	return info, nil
}

// Stats returns the state lists of the named queue.
func (p *Pipeline) Stats(ctx context.Context, name string) (taskstore.IDs, error) {
	switch name {
	case SearchQueue:
		return p.searches.Stats(ctx)
	case VideoQueue:
		return p.videos.Stats(ctx)
	case ChannelQueue:
		return p.channels.Stats(ctx)
	default:
		return taskstore.IDs{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
}

// Reclaim moves stale in-progress tasks of the named queue back to pending.
func (p *Pipeline) Reclaim(ctx context.Context, name string, maxAge time.Duration) ([]string, error) {
	q, err := p.maintainer(name)
	if err != nil {
		return nil, err
	}
	return q.ReclaimStale(ctx, maxAge)
}

// Maintainer is the part of a queue the reclaim sweeper needs.
type Maintainer interface {
	Name() string
	ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error)
	PruneHistory(ctx context.Context) error
}

// Queues lists the queues in pipeline order.
func (p *Pipeline) Queues() []Maintainer {
	return []Maintainer{p.searches, p.videos, p.channels}
}

func (p *Pipeline) maintainer(name string) (Maintainer, error) {
	for _, q := range p.Queues() {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
}

// Names lists the queue names in pipeline order.
func (p *Pipeline) Names() []string {
	return []string{SearchQueue, VideoQueue, ChannelQueue}
}

// Wait blocks until every queue is idle. A search can feed videos and a
// video can feed channels, so the queues are drained upstream first and
// rechecked until one full pass finds nothing left.
func (p *Pipeline) Wait(ctx context.Context) error {
	for {
		if err := p.searches.AllDone(ctx); err != nil {
			return err
		}
		if err := p.videos.AllDone(ctx); err != nil {
			return err
		}
		if err := p.channels.AllDone(ctx); err != nil {
			return err
		}
		idle, err := p.idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
	}
}

func (p *Pipeline) idle(ctx context.Context) (bool, error) {
	for _, name := range p.Names() {
		ids, err := p.Stats(ctx, name)
		if err != nil {
			return false, err
		}
		if len(ids.Pending) > 0 || len(ids.InProgress) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Close stops the queues upstream first.
func (p *Pipeline) Close(ctx context.Context) error {
	return errors.Join(p.searches.Close(ctx), p.videos.Close(ctx), p.channels.Close(ctx))
}
