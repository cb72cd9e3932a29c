package adapter

import (
	"strings"

	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
	"github.com/JakeFAU/tubecrawler/internal/extract"
)

// parseItem turns a matched listing object into a ListItem. Objects with
// neither a video id nor a channel id are skipped.
func (p ItemPaths) parseItem(v gjson.Result) (crawler.ListItem, bool) {
	if id := v.Get(p.Video.ID).String(); id != "" {
		return p.Video.parse(id, v), true
	}
	if id := v.Get(p.Channel.ID).String(); id != "" {
		return p.Channel.parse(id, v), true
	}
	return crawler.ListItem{}, false
}

func (p VideoItemPaths) parse(id string, v gjson.Result) crawler.ListItem {
	item := crawler.ListItem{
		Type:      crawler.KindVideo,
		ID:        id,
		Title:     extract.FirstString(v, p.Title...),
		Thumbnail: extract.FirstString(v, p.Thumbnail...),
	}
	if n, ok := extract.ParseCount(extract.FirstString(v, p.ViewCount...)); ok {
		item.ViewCount = &n
	}
	if n, ok := extract.ParseClock(extract.FirstString(v, p.Length...)); ok {
		item.Length = &n
	}
	if age, ok := extract.ParseAge(extract.FirstString(v, p.Age...)); ok {
		item.Age = age
	}
	if owner := p.ownerID(v); owner != "" {
		item.ChannelID = &owner
	}
	item.ChannelName = optional(extract.FirstString(v, p.OwnerName...))
	item.ChannelThumbnail = optional(extract.FirstString(v, p.OwnerThumbnail...))
	return item
}

func (p VideoItemPaths) ownerID(v gjson.Result) string {
	for _, path := range p.OwnerURL {
		if id := channelIDFromURL(v.Get(path).String()); id != "" {
			return id
		}
	}
	return extract.FirstString(v, p.OwnerBrowseID...)
}

func (p ChannelItemPaths) parse(id string, v gjson.Result) crawler.ListItem {
	return crawler.ListItem{
		Type:        crawler.KindChannel,
		ID:          id,
		Title:       extract.FirstString(v, p.Title...),
		Thumbnail:   extract.FirstString(v, p.Thumbnail...),
		Description: extract.FirstString(v, p.Description...),
	}
}

// channelIDFromURL returns the path segment after "channel/".
func channelIDFromURL(raw string) string {
	_, rest, ok := strings.Cut(raw, "channel/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// itemSet holds listing items in discovery order, keyed by id.
type itemSet struct {
	items *orderedmap.OrderedMap[string, crawler.ListItem]
}

func newItemSet() itemSet {
	return itemSet{items: orderedmap.New[string, crawler.ListItem]()}
}

// addFrom parses every matched object under root and returns the ones not
// held yet.
func (s itemSet) addFrom(root gjson.Result, paths ItemPaths, matchers []extract.Matcher) []crawler.ListItem {
	var added []crawler.ListItem
	for _, v := range extract.Descendants(root, matchers...) {
		item, ok := paths.parseItem(v)
		if !ok {
			continue
		}
		if _, present := s.items.Get(item.ID); present {
			continue
		}
		s.items.Set(item.ID, item)
		added = append(added, item)
	}
	return added
}

func (s itemSet) len() int {
	return s.items.Len()
}

func (s itemSet) list() []crawler.ListItem {
	out := make([]crawler.ListItem, 0, s.items.Len())
	for pair := s.items.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
