package adapter

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/extract"
)

var channelIDForms = []*regexp.Regexp{
	regexp.MustCompile(`channel/[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`@[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`c/[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`user/[a-zA-Z0-9_-]+`),
}

// CanonicalChannelID maps a bare channel id to its "channel/<id>" path.
// Ids already in channel/, @handle, c/ or user/ form are returned as is.
// It is the channel queue's re-key function.
func CanonicalChannelID(id string) string {
	for _, re := range channelIDForms {
		if re.MatchString(id) {
			return id
		}
	}
	return "channel/" + id
}

// Channel loads a channel's videos page and pages through its uploads.
type Channel struct {
	session

	loaded bool
	info   crawler.ChannelInfo
	videos itemSet
	next   *continuation
}

var _ crawler.Adapter[string, crawler.ListItem, crawler.ChannelInfo] = (*Channel)(nil)

// NewChannel returns an adapter for a single channel crawl.
func NewChannel(f crawler.Fetcher, site *Site, options ...Option) *Channel {
	return &Channel{session: newSession(f, site, "channel", options), videos: newItemSet()}
}

// Load fetches the channel page. id may be a bare channel id or any form
// CanonicalChannelID accepts.
func (c *Channel) Load(ctx context.Context, id string) error {
	if c.loaded {
		return ErrAlreadyLoaded
	}
	cfg := c.site.Channel
	canonical := CanonicalChannelID(id)
	page, err := c.loadPage(ctx, expand(cfg.PageURL, map[string]string{"id": canonical}))
	if err != nil {
		return fmt.Errorf("channel %s: %w", canonical, err)
	}
	if err := c.readConfig(page); err != nil {
		return fmt.Errorf("channel %s: %w", canonical, err)
	}
	data, err := c.initialData(page)
	if err != nil {
		return fmt.Errorf("channel %s: %w", canonical, err)
	}

	meta := data.Get(cfg.MetadataPath)
	if !meta.Exists() {
		return fmt.Errorf("%w: channel %s: no metadata at %q", crawler.ErrRequestFailed, canonical, cfg.MetadataPath)
	}
	m := cfg.Metadata
	c.info = crawler.ChannelInfo{
		ID:               meta.Get(m.ID).String(),
		Title:            meta.Get(m.Title).String(),
		Description:      meta.Get(m.Description).String(),
		Thumbnail:        meta.Get(m.Thumbnail).String(),
		RSSURL:           meta.Get(m.RSSURL).String(),
		ChannelURL:       meta.Get(m.ChannelURL).String(),
		VanityChannelURL: meta.Get(m.VanityURL).String(),
	}
	if cfg.BannerPath != "" {
		c.info.Banner = optional(data.Get(cfg.BannerPath).String())
	}

	c.videos.addFrom(extract.FindKey(data, cfg.ContentsKey), c.site.Items, cfg.Items)
	c.next = c.nextPage(data)
	c.loaded = true
	c.logger.Debug("channel loaded",
		zap.String("channel_id", c.info.ID),
		zap.Int("videos", c.videos.len()),
		zap.Bool("has_more", c.next != nil),
	)
	return nil
}

// ID is the channel's own id as reported by the page, available after Load.
func (c *Channel) ID() string {
	return c.info.ID
}

// HasMore reports whether the listing has another page.
func (c *Channel) HasMore() bool {
	return c.next != nil
}

// Held returns the number of distinct videos seen so far.
func (c *Channel) Held() int {
	return c.videos.len()
}

// FetchMore pulls the next page of uploads and returns the new videos.
func (c *Channel) FetchMore(ctx context.Context) ([]crawler.ListItem, error) {
	if !c.loaded {
		return nil, ErrNotLoaded
	}
	if c.next == nil {
		return nil, nil
	}
	data, err := c.continueListing(ctx, c.site.Channel.BrowseURL, c.next)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.info.ID, err)
	}
	c.next = c.nextPage(data)
	return c.videos.addFrom(data, c.site.Items, c.site.Channel.Items), nil
}

// Record assembles the channel snapshot.
func (c *Channel) Record() crawler.ChannelInfo {
	info := c.info
	info.Videos = c.videos.list()
	info.DataFetchedTime = c.now()
	return info
}
