package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

const waitFor = 2 * time.Second

type fakeVideo struct {
	channels map[string]string
	fail     map[string]error
	id       string
}

func (v *fakeVideo) Load(_ context.Context, id string) error {
	if err := v.fail[id]; err != nil {
		return err
	}
	v.id = id
	return nil
}
func (v *fakeVideo) HasMore() bool                                           { return false }
func (v *fakeVideo) FetchMore(context.Context) ([]crawler.Transcript, error) { return nil, nil }
func (v *fakeVideo) Held() int                                               { return 0 }
func (v *fakeVideo) ChannelID() string                                       { return v.channels[v.id] }
func (v *fakeVideo) Record() crawler.VideoInfo {
	return crawler.VideoInfo{ID: v.id, ChannelID: v.channels[v.id]}
}

type fakeListing[R any] struct {
	record func(seed string) R
	hold   func(seed string)
	seed   string
}

func (l *fakeListing[R]) Load(_ context.Context, seed string) error {
	if l.hold != nil {
		l.hold(seed)
	}
	l.seed = seed
	return nil
}
func (l *fakeListing[R]) HasMore() bool                                         { return false }
func (l *fakeListing[R]) FetchMore(context.Context) ([]crawler.ListItem, error) { return nil, nil }
func (l *fakeListing[R]) Held() int                                             { return 0 }
func (l *fakeListing[R]) Record() R                                             { return l.record(l.seed) }

type written struct {
	kind string
	id   string
}

type recordingSink struct {
	mu     sync.Mutex
	writes []written
}

func (s *recordingSink) Write(_ context.Context, kind, id string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, written{kind: kind, id: id})
	return nil
}

func (s *recordingSink) ids(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, w := range s.writes {
		if w.kind == kind {
			out = append(out, w.id)
		}
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	videoChannels map[string]string
	videoErrors   map[string]error
	searchItems   []crawler.ListItem
	channelIDs    map[string]string
	holdChannel   func(seed string)
}

func (f fixture) adapters() Adapters {
	return Adapters{
		Video: func() VideoAdapter {
			return &fakeVideo{channels: f.videoChannels, fail: f.videoErrors}
		},
		Channel: func() ChannelAdapter {
			return &fakeListing[crawler.ChannelInfo]{hold: f.holdChannel, record: func(seed string) crawler.ChannelInfo {
				id := f.channelIDs[seed]
				if id == "" {
					id = seed
				}
				return crawler.ChannelInfo{ID: id}
			}}
		},
		Search: func() SearchAdapter {
			return &fakeListing[crawler.SearchResult]{record: func(seed string) crawler.SearchResult {
				return crawler.SearchResult{Query: seed, Items: f.searchItems}
			}}
		},
	}
}

func newPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func wait(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestSearchFeedsVideosAndChannels(t *testing.T) {
	t.Parallel()

	out := &recordingSink{}
	f := fixture{
		videoChannels: map[string]string{"v1": "UC1", "v2": "UC1"},
		searchItems: []crawler.ListItem{
			{Type: crawler.KindVideo, ID: "v1"},
			{Type: crawler.KindChannel, ID: "UC7"},
			{Type: crawler.KindVideo, ID: "v2"},
		},
	}
	p := newPipeline(t, Config{Adapters: f.adapters(), Sink: out})

	accepted, err := p.EnqueueSearch(context.Background(), "go tips")
	require.NoError(t, err)
	require.True(t, accepted)
	wait(t, p)

	require.Equal(t, []string{"go tips"}, out.ids(crawler.KindSearch))
	require.Equal(t, []string{"v1", "v2"}, out.ids(crawler.KindVideo))
	require.Equal(t, []string{"channel/UC1"}, out.ids(crawler.KindChannel))

	channels, err := p.Stats(context.Background(), ChannelQueue)
	require.NoError(t, err)
	require.Equal(t, []string{"channel/UC1"}, channels.Succeeded)

	videos, err := p.Stats(context.Background(), VideoQueue)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"v1", "v2"}, videos.Succeeded)
	require.Empty(t, videos.Failed)
}

func TestChannelHandleMarksCanonicalID(t *testing.T) {
	t.Parallel()

	out := &recordingSink{}
	f := fixture{channelIDs: map[string]string{"@gophers": "UC9"}}
	p := newPipeline(t, Config{Adapters: f.adapters(), Sink: out})

	accepted, err := p.EnqueueChannel(context.Background(), "@gophers")
	require.NoError(t, err)
	require.True(t, accepted)
	wait(t, p)

	ids, err := p.Stats(context.Background(), ChannelQueue)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"@gophers", "channel/UC9"}, ids.Succeeded)

	accepted, err = p.EnqueueChannel(context.Background(), "UC9")
	require.NoError(t, err)
	require.False(t, accepted, "the bare id re-keys onto the recorded canonical id")
	require.Equal(t, []string{"@gophers"}, out.ids(crawler.KindChannel))
}

func TestChannelHandleDoesNotSettleRunningCanonicalID(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	out := &recordingSink{}
	f := fixture{
		channelIDs: map[string]string{"@gophers": "UC9"},
		holdChannel: func(seed string) {
			if seed != "@gophers" {
				<-release
			}
		},
	}
	p := newPipeline(t, Config{
		Adapters: f.adapters(),
		Sink:     out,
		Channel:  QueueOptions{Concurrency: 2},
	})
	ctx := context.Background()

	for _, id := range []string{"UC9", "@gophers"} {
		accepted, err := p.EnqueueChannel(ctx, id)
		require.NoError(t, err)
		require.True(t, accepted)
	}
	require.Eventually(t, func() bool {
		ids, err := p.Stats(ctx, ChannelQueue)
		return err == nil && len(ids.Succeeded) == 1 && ids.Succeeded[0] == "@gophers"
	}, waitFor, time.Millisecond)

	ids, err := p.Stats(ctx, ChannelQueue)
	require.NoError(t, err)
	require.Equal(t, []taskstore.State{taskstore.StateInProgress}, ids.StatesOf("channel/UC9"))

	close(release)
	wait(t, p)

	ids, err = p.Stats(ctx, ChannelQueue)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"@gophers", "channel/UC9"}, ids.Succeeded)
	for _, id := range ids.All() {
		require.Len(t, ids.StatesOf(id), 1, "id %s", id)
	}
	require.Equal(t, []string{"@gophers", "channel/UC9"}, out.ids(crawler.KindChannel))
}

func TestFailedVideoIsLoggedAndNotWritten(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	out := &recordingSink{}
	f := fixture{videoErrors: map[string]error{"gone": crawler.ErrNotFound}}
	p := newPipeline(t, Config{Adapters: f.adapters(), Sink: out, Logger: zap.New(core)})

	_, err := p.EnqueueVideo(context.Background(), "gone")
	require.NoError(t, err)
	wait(t, p)

	ids, err := p.Stats(context.Background(), VideoQueue)
	require.NoError(t, err)
	require.Equal(t, []string{"gone"}, ids.Failed)
	require.Empty(t, out.ids(crawler.KindVideo))

	failed := logs.FilterMessage("crawl failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, "gone", failed[0].ContextMap()["task_id"])
	require.Equal(t, VideoQueue, failed[0].ContextMap()["queue"])
}

type failingSink struct{}

func (failingSink) Write(context.Context, string, string, any) error {
	return errors.New("disk full")
}

func TestSinkFailureFailsTheTask(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, Config{Adapters: fixture{}.adapters(), Sink: failingSink{}})
	_, err := p.EnqueueVideo(context.Background(), "v1")
	require.NoError(t, err)
	wait(t, p)

	ids, err := p.Stats(context.Background(), VideoQueue)
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, ids.Failed)
}

func TestQueueLookup(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, Config{Adapters: fixture{}.adapters()})
	require.Equal(t, []string{SearchQueue, VideoQueue, ChannelQueue}, p.Names())
	require.Equal(t, 3, p.Videos().Concurrency())
	require.Equal(t, 2, p.Channels().Concurrency())
	require.Equal(t, 3, p.Searches().Concurrency())

	_, err := p.Stats(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownQueue)
	_, err = p.Reclaim(context.Background(), "nope", time.Minute)
	require.ErrorIs(t, err, ErrUnknownQueue)

	ids, err := p.Reclaim(context.Background(), VideoQueue, time.Minute)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestNewRequiresAdapters(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
