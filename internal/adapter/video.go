package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/extract"
)

const (
	// Upload times come from stream lastModified stamps; anything before
	// 2008 or more than about a month ahead is noise.
	minUploadTime     = 1_200_000_000
	maxUploadLeadTime = 3_000_000
)

// VideoOptions controls transcript downloads.
type VideoOptions struct {
	// LanguageLimit caps how many languages are downloaded. Negative means
	// all of them, zero means none.
	LanguageLimit int
	// PreferredLanguages are primary language codes in order of preference.
	// Available languages not listed follow in track order.
	PreferredLanguages []string
}

// Video loads a watch page and the player response for one video, then
// downloads transcripts as its single page of items.
type Video struct {
	session
	opts VideoOptions

	id          string
	player      gjson.Result
	tracks      []crawler.CaptionTrack
	transcripts []crawler.Transcript
	fetched     bool
}

var _ crawler.Adapter[string, crawler.Transcript, crawler.VideoInfo] = (*Video)(nil)

// NewVideo returns an adapter for a single video crawl.
func NewVideo(f crawler.Fetcher, site *Site, opts VideoOptions, options ...Option) *Video {
	return &Video{session: newSession(f, site, "video", options), opts: opts}
}

// Load fetches the watch page for its API key, then the player response.
func (v *Video) Load(ctx context.Context, id string) error {
	if v.id != "" {
		return ErrAlreadyLoaded
	}
	cfg := v.site.Video
	page, err := v.loadPage(ctx, expand(cfg.PageURL, map[string]string{"id": id}))
	if err != nil {
		return fmt.Errorf("video %s: %w", id, err)
	}
	if err := v.readConfig(page); err != nil {
		return fmt.Errorf("video %s: %w", id, err)
	}

	body := map[string]any{
		"context": map[string]any{
			"client": map[string]string{
				"clientName":    cfg.PlayerClientName,
				"clientVersion": cfg.PlayerClientVersion,
			},
		},
		"videoId": id,
	}
	// The player endpoint gets no web client headers; the body names the client.
	headers := http.Header{}
	if v.cookie != "" {
		headers.Set("Cookie", v.cookie)
	}
	player, err := v.post(ctx, cfg.PlayerURL, body, headers)
	if err != nil {
		return fmt.Errorf("video %s: %w", id, err)
	}
	if err := v.checkPlayable(id, player); err != nil {
		return err
	}

	v.id = id
	v.player = player
	v.tracks = v.captionTracks()
	v.logger.Debug("video loaded",
		zap.String("video_id", id),
		zap.Int("caption_tracks", len(v.tracks)),
	)
	return nil
}

func (v *Video) checkPlayable(id string, player gjson.Result) error {
	cfg := v.site.Video
	if cfg.StatusPath == "" {
		return nil
	}
	status := player.Get(cfg.StatusPath)
	if !status.Exists() || status.String() == cfg.OKStatus {
		return nil
	}
	reason := player.Get(cfg.ReasonPath).String()
	if slices.Contains(cfg.NotFoundReasons, reason) {
		return fmt.Errorf("%w: video %s: %s", crawler.ErrNotFound, id, reason)
	}
	return fmt.Errorf("%w: video %s: %s: %s", crawler.ErrUnavailable, id, status.String(), reason)
}

// ChannelID is the owning channel's id, available after Load.
func (v *Video) ChannelID() string {
	return v.player.Get(v.site.Video.Details.ChannelID).String()
}

// HasMore is true until transcripts have been fetched once.
func (v *Video) HasMore() bool {
	return v.id != "" && !v.fetched && v.opts.LanguageLimit != 0 && len(v.tracks) > 0
}

// Held returns the number of downloaded transcripts.
func (v *Video) Held() int {
	return len(v.transcripts)
}

// FetchMore downloads the selected transcripts. A track that fails is
// logged and skipped.
func (v *Video) FetchMore(ctx context.Context) ([]crawler.Transcript, error) {
	if v.id == "" {
		return nil, ErrNotLoaded
	}
	if !v.HasMore() {
		return nil, nil
	}
	v.fetched = true
	var added []crawler.Transcript
	for _, track := range v.selectTracks() {
		if err := ctx.Err(); err != nil {
			return added, fmt.Errorf("fetch transcripts: %w", err)
		}
		transcript, err := v.fetchTranscript(ctx, track)
		if err != nil {
			v.logger.Warn("transcript fetch failed",
				zap.String("video_id", v.id),
				zap.String("language", track.LanguageCode),
				zap.Error(err),
			)
			continue
		}
		added = append(added, transcript)
	}
	v.transcripts = append(v.transcripts, added...)
	return added, nil
}

func (v *Video) fetchTranscript(ctx context.Context, track crawler.CaptionTrack) (crawler.Transcript, error) {
	resp, err := v.fetcher.Fetch(ctx, crawler.FetchRequest{URL: track.BaseURL})
	if err != nil {
		return crawler.Transcript{}, err
	}
	snippets, err := extract.ParseTimedText(resp.Body, v.site.Video.Captions.TextElement)
	if err != nil {
		return crawler.Transcript{}, fmt.Errorf("%w: %w", crawler.ErrRequestFailed, err)
	}
	return crawler.Transcript{
		Snippets:     snippets,
		Language:     track.Name,
		LanguageCode: track.LanguageCode,
		IsGenerated:  track.IsGenerated,
	}, nil
}

// selectTracks picks tracks whose primary language made the cut: preferred
// languages first, then the rest in track order, up to the limit.
func (v *Video) selectTracks() []crawler.CaptionTrack {
	var available []string
	for _, t := range v.tracks {
		if code := primaryLanguage(t.LanguageCode); !slices.Contains(available, code) {
			available = append(available, code)
		}
	}
	var chosen []string
	for _, code := range v.opts.PreferredLanguages {
		if slices.Contains(available, code) && !slices.Contains(chosen, code) {
			chosen = append(chosen, code)
		}
	}
	for _, code := range available {
		if !slices.Contains(chosen, code) {
			chosen = append(chosen, code)
		}
	}
	if limit := v.opts.LanguageLimit; limit > 0 && len(chosen) > limit {
		chosen = chosen[:limit]
	}

	var out []crawler.CaptionTrack
	for _, t := range v.tracks {
		if slices.Contains(chosen, primaryLanguage(t.LanguageCode)) {
			out = append(out, t)
		}
	}
	return out
}

func primaryLanguage(code string) string {
	primary, _, _ := strings.Cut(code, "-")
	return primary
}

func (v *Video) captionTracks() []crawler.CaptionTrack {
	paths := v.site.Video.Captions
	if paths.Tracks == "" {
		return nil
	}
	var tracks []crawler.CaptionTrack
	for _, t := range v.player.Get(paths.Tracks).Array() {
		baseURL := t.Get(paths.BaseURL).String()
		for _, param := range paths.DropParams {
			baseURL = strings.ReplaceAll(baseURL, param, "")
		}
		tracks = append(tracks, crawler.CaptionTrack{
			Name:         extract.FirstString(t, paths.Name...),
			LanguageCode: t.Get(paths.LanguageCode).String(),
			IsGenerated:  strings.EqualFold(t.Get(paths.Kind).String(), paths.GeneratedKind),
			BaseURL:      baseURL,
		})
	}
	return tracks
}

// Record assembles the video snapshot.
func (v *Video) Record() crawler.VideoInfo {
	d := v.site.Video.Details
	p := v.player
	info := crawler.VideoInfo{
		ID:                   v.id,
		Title:                p.Get(d.Title).String(),
		Description:          p.Get(d.Description).String(),
		Thumbnail:            widestThumbnail(p.Get(d.Thumbnails)),
		MediaFiles:           []json.RawMessage{},
		Length:               p.Get(d.Length).Int(),
		IsLive:               extract.Truthy(p.Get(d.IsLive)),
		IsLiveContent:        extract.Truthy(p.Get(d.IsLiveContent)),
		ViewCount:            p.Get(d.ViewCount).Int(),
		ChannelID:            p.Get(d.ChannelID).String(),
		Author:               p.Get(d.Author).String(),
		IsPrivate:            extract.Truthy(p.Get(d.IsPrivate)),
		Transcripts:          v.transcripts,
		AvailableTranscripts: v.tracks,
		DataFetchedTime:      v.now(),
	}
	if info.Transcripts == nil {
		info.Transcripts = []crawler.Transcript{}
	}
	if info.AvailableTranscripts == nil {
		info.AvailableTranscripts = []crawler.CaptionTrack{}
	}

	var formats []gjson.Result
	for _, path := range d.Formats {
		formats = append(formats, p.Get(path).Array()...)
	}
	for _, f := range formats {
		info.MediaFiles = append(info.MediaFiles, json.RawMessage(f.Raw))
	}
	info.UploadedTime = uploadedTime(formats, d.LastModifiedKey, info.DataFetchedTime)
	return info
}

// widestThumbnail returns the URL of the widest thumbnail, the last one
// listed on ties.
func widestThumbnail(list gjson.Result) string {
	var (
		best  string
		width int64 = -1
	)
	for _, t := range list.Array() {
		if w := t.Get("width").Int(); w >= width {
			width = w
			best = t.Get("url").String()
		}
	}
	return best
}

// uploadedTime is the earliest plausible lastModified stamp, in seconds.
func uploadedTime(formats []gjson.Result, key string, now int64) *int64 {
	if key == "" {
		return nil
	}
	var earliest *int64
	for _, f := range formats {
		raw := f.Get(gjson.Escape(key))
		if !raw.Exists() {
			continue
		}
		secs := int64(math.Round(raw.Float() / 1e6))
		if secs <= minUploadTime || secs >= now+maxUploadLeadTime {
			continue
		}
		if earliest == nil || secs < *earliest {
			earliest = &secs
		}
	}
	return earliest
}
