package adapter

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/tubecrawler/internal/extract"
)

// Site describes where the platform's pages live and how to read them.
// Nothing here has a built-in default; the values come from the site section
// of the config file.
type Site struct {
	Page         PageMarkers  `mapstructure:"page"`
	Consent      Consent      `mapstructure:"consent"`
	API          API          `mapstructure:"api"`
	Continuation Continuation `mapstructure:"continuation"`
	Video        VideoSite    `mapstructure:"video"`
	Channel      ChannelSite  `mapstructure:"channel"`
	Search       SearchSite   `mapstructure:"search"`
	Items        ItemPaths    `mapstructure:"items"`
}

// PageMarkers locate the JSON blobs embedded in HTML pages.
type PageMarkers struct {
	ConfigMarker      string `mapstructure:"config_marker"`
	InitialDataMarker string `mapstructure:"initial_data_marker"`
	APIKeyPath        string `mapstructure:"api_key_path"`
	ClientContextPath string `mapstructure:"client_context_path"`
}

// Consent describes the interstitial some regions get before the real page.
// Cookie may contain {value}, replaced by the form's value attribute.
type Consent struct {
	FormSelector  string `mapstructure:"form_selector"`
	ValueSelector string `mapstructure:"value_selector"`
	Cookie        string `mapstructure:"cookie"`
}

// API holds headers sent with continuation requests. The client version
// header is filled from the page's client context.
type API struct {
	Headers             map[string]string `mapstructure:"headers"`
	ClientVersionHeader string            `mapstructure:"client_version_header"`
	ClientVersionPath   string            `mapstructure:"client_version_path"`
}

// Continuation locates the next-page token in a listing response.
type Continuation struct {
	EndpointKey       string `mapstructure:"endpoint_key"`
	TokenPath         string `mapstructure:"token_path"`
	ClickTrackingPath string `mapstructure:"click_tracking_path"`
}

// VideoSite configures the watch page and the player endpoint.
type VideoSite struct {
	PageURL             string       `mapstructure:"page_url"`
	PlayerURL           string       `mapstructure:"player_url"`
	PlayerClientName    string       `mapstructure:"player_client_name"`
	PlayerClientVersion string       `mapstructure:"player_client_version"`
	StatusPath          string       `mapstructure:"status_path"`
	ReasonPath          string       `mapstructure:"reason_path"`
	OKStatus            string       `mapstructure:"ok_status"`
	NotFoundReasons     []string     `mapstructure:"not_found_reasons"`
	Details             VideoPaths   `mapstructure:"details"`
	Captions            CaptionPaths `mapstructure:"captions"`
}

// VideoPaths are gjson paths into the player response.
type VideoPaths struct {
	Title           string   `mapstructure:"title"`
	Description     string   `mapstructure:"description"`
	Thumbnails      string   `mapstructure:"thumbnails"`
	Length          string   `mapstructure:"length"`
	IsLive          string   `mapstructure:"is_live"`
	IsLiveContent   string   `mapstructure:"is_live_content"`
	ViewCount       string   `mapstructure:"view_count"`
	ChannelID       string   `mapstructure:"channel_id"`
	Author          string   `mapstructure:"author"`
	IsPrivate       string   `mapstructure:"is_private"`
	Formats         []string `mapstructure:"formats"`
	LastModifiedKey string   `mapstructure:"last_modified_key"`
}

// CaptionPaths read the caption track list and the timed text documents.
type CaptionPaths struct {
	Tracks        string   `mapstructure:"tracks"`
	Name          []string `mapstructure:"name"`
	LanguageCode  string   `mapstructure:"language_code"`
	Kind          string   `mapstructure:"kind"`
	GeneratedKind string   `mapstructure:"generated_kind"`
	BaseURL       string   `mapstructure:"base_url"`
	DropParams    []string `mapstructure:"drop_params"`
	TextElement   string   `mapstructure:"text_element"`
}

// ChannelSite configures the channel videos page and the browse endpoint.
type ChannelSite struct {
	PageURL      string            `mapstructure:"page_url"`
	BrowseURL    string            `mapstructure:"browse_url"`
	MetadataPath string            `mapstructure:"metadata_path"`
	Metadata     ChannelPaths      `mapstructure:"metadata"`
	BannerPath   string            `mapstructure:"banner_path"`
	ContentsKey  string            `mapstructure:"contents_key"`
	Items        []extract.Matcher `mapstructure:"items"`
}

// ChannelPaths are relative to ChannelSite.MetadataPath.
type ChannelPaths struct {
	ID          string `mapstructure:"id"`
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
	Thumbnail   string `mapstructure:"thumbnail"`
	RSSURL      string `mapstructure:"rss_url"`
	ChannelURL  string `mapstructure:"channel_url"`
	VanityURL   string `mapstructure:"vanity_url"`
}

// SearchSite configures the results page and the search endpoint.
type SearchSite struct {
	PageURL     string            `mapstructure:"page_url"`
	SearchURL   string            `mapstructure:"search_url"`
	ContentsKey string            `mapstructure:"contents_key"`
	Items       []extract.Matcher `mapstructure:"items"`
}

// ItemPaths read listing entries. Lists are tried in order.
type ItemPaths struct {
	Video   VideoItemPaths   `mapstructure:"video"`
	Channel ChannelItemPaths `mapstructure:"channel"`
}

// VideoItemPaths read a video entry. Owner URL paths yield an id only when
// the URL contains "channel/".
type VideoItemPaths struct {
	ID             string   `mapstructure:"id"`
	Title          []string `mapstructure:"title"`
	Thumbnail      []string `mapstructure:"thumbnail"`
	ViewCount      []string `mapstructure:"view_count"`
	Length         []string `mapstructure:"length"`
	Age            []string `mapstructure:"age"`
	OwnerURL       []string `mapstructure:"owner_url"`
	OwnerBrowseID  []string `mapstructure:"owner_browse_id"`
	OwnerName      []string `mapstructure:"owner_name"`
	OwnerThumbnail []string `mapstructure:"owner_thumbnail"`
}

// ChannelItemPaths read a channel entry in search results.
type ChannelItemPaths struct {
	ID          string   `mapstructure:"id"`
	Title       []string `mapstructure:"title"`
	Thumbnail   []string `mapstructure:"thumbnail"`
	Description []string `mapstructure:"description"`
}

// Validate reports the settings every crawl needs.
func (s *Site) Validate() error {
	required := []struct {
		name, value string
	}{
		{"site.page.config_marker", s.Page.ConfigMarker},
		{"site.page.initial_data_marker", s.Page.InitialDataMarker},
		{"site.page.api_key_path", s.Page.APIKeyPath},
		{"site.video.page_url", s.Video.PageURL},
		{"site.video.player_url", s.Video.PlayerURL},
		{"site.channel.page_url", s.Channel.PageURL},
		{"site.channel.browse_url", s.Channel.BrowseURL},
		{"site.search.page_url", s.Search.PageURL},
		{"site.search.search_url", s.Search.SearchURL},
		{"site.continuation.endpoint_key", s.Continuation.EndpointKey},
		{"site.items.video.id", s.Items.Video.ID},
		{"site.items.channel.id", s.Items.Channel.ID},
	}
	var errs []error
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	return errors.Join(errs...)
}

// expand fills a URL template. {id} is inserted verbatim since channel ids
// carry a path prefix; {query} and {key} are query-escaped.
func expand(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		if k != "id" {
			v = url.QueryEscape(v)
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
