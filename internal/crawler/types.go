package crawler

import (
	"encoding/json"
	"net/http"
	"time"
)

// Record kinds, used by sinks to lay out output and by the API.
const (
	KindVideo   = "video"
	KindChannel = "channel"
	KindSearch  = "search"
)

// VideoInfo is the snapshot produced by a video crawl.
type VideoInfo struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Thumbnail     string `json:"thumbnail"`
	// MediaFiles keeps each stream format object exactly as the site sent it.
	MediaFiles           []json.RawMessage `json:"mediaFiles"`
	UploadedTime         *int64            `json:"uploadedTime"`
	Length               int64             `json:"length"`
	IsLive               bool              `json:"isLive"`
	IsLiveContent        bool              `json:"isLiveContent"`
	ViewCount            int64             `json:"viewCount"`
	ChannelID            string            `json:"channelId"`
	Author               string            `json:"author"`
	IsPrivate            bool              `json:"isPrivate"`
	Transcripts          []Transcript      `json:"transcripts"`
	AvailableTranscripts []CaptionTrack    `json:"availableTranscripts"`
	DataFetchedTime      int64             `json:"data_fetched_time"`
}

// CaptionTrack describes a transcript the site offers for a video.
type CaptionTrack struct {
	Name         string `json:"name"`
	LanguageCode string `json:"languageCode"`
	IsGenerated  bool   `json:"isGenerated"`
	// BaseURL is where the track is downloaded from. It is not part of the record.
	BaseURL string `json:"-"`
}

// Transcript is one downloaded caption track.
type Transcript struct {
	Snippets     []TranscriptSnippet `json:"snippets"`
	Language     string              `json:"language"`
	LanguageCode string              `json:"language_code"`
	IsGenerated  bool                `json:"is_generated"`
}

// TranscriptSnippet is a timed line of a transcript. Start and Duration are seconds.
type TranscriptSnippet struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// ChannelInfo is the snapshot produced by a channel crawl.
type ChannelInfo struct {
	ID               string     `json:"id,omitempty"`
	Title            string     `json:"title,omitempty"`
	Description      string     `json:"description,omitempty"`
	Thumbnail        string     `json:"thumbnail,omitempty"`
	Banner           *string    `json:"banner"`
	RSSURL           string     `json:"rssUrl,omitempty"`
	ChannelURL       string     `json:"channelUrl,omitempty"`
	VanityChannelURL string     `json:"vanityChannelUrl,omitempty"`
	Videos           []ListItem `json:"videos"`
	DataFetchedTime  int64      `json:"data_fetched_time"`
}

// SearchResult is the snapshot produced by a search crawl.
type SearchResult struct {
	Query           string     `json:"query"`
	Items           []ListItem `json:"items"`
	DataFetchedTime int64      `json:"data_fetched_time"`
}

// ListItem is a video or channel entry on a listing page. Type is KindVideo
// or KindChannel; the optional fields are only filled for videos.
type ListItem struct {
	Type             string  `json:"type"`
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Thumbnail        string  `json:"thumbnail"`
	Description      string  `json:"description,omitempty"`
	Length           *int64  `json:"length,omitempty"`
	ViewCount        *int64  `json:"viewCount,omitempty"`
	Age              *Age    `json:"age,omitempty"`
	ChannelThumbnail *string `json:"channelThumbnail,omitempty"`
	ChannelID        *string `json:"channelId,omitempty"`
	ChannelName      *string `json:"channelName,omitempty"`
}

// Age is a relative publish time such as "3 weeks ago".
type Age struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL    string
	Method string
	// Body is sent as JSON when set.
	Body    []byte
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}
