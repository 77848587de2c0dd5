package media

import "time"

// MediaType classifies what a URL resolves to
type MediaType string

const (
	TypeVideo    MediaType = "video"
	TypeImageSet MediaType = "image-set"
	TypeAudio    MediaType = "audio"
)

// AllowsAudioExtraction reports whether an audio-only fallback makes sense for t.
func (t MediaType) AllowsAudioExtraction() bool {
	return t == TypeVideo || t == TypeAudio
}

// RawFormat is one format record as reported by the extraction engine.
// Only the normalizer reads it; everything downstream uses FormatDescriptor.
type RawFormat struct {
	FormatID       string  `json:"format_id"`
	FormatNote     string  `json:"format_note"`
	Ext            string  `json:"ext"`
	Protocol       string  `json:"protocol"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	TBR            float64 `json:"tbr"`
	ABR            float64 `json:"abr"`
	VBR            float64 `json:"vbr"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	URL            string  `json:"url"`
}

// Thumbnail is one thumbnail candidate
type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// RawInfo is the engine's description of a URL
type RawInfo struct {
	ID         string      `json:"id"`
	Type       string      `json:"_type"`
	Title      string      `json:"title"`
	Uploader   string      `json:"uploader"`
	Channel    string      `json:"channel"`
	Duration   float64     `json:"duration"`
	Thumbnail  string      `json:"thumbnail"`
	Thumbnails []Thumbnail `json:"thumbnails"`
	WebpageURL string      `json:"webpage_url"`
	Extractor  string      `json:"extractor_key"`
	Ext        string      `json:"ext"`
	URL        string      `json:"url"`
	Formats    []RawFormat `json:"formats"`
	Entries    []RawInfo   `json:"entries"`
}

// FormatDescriptor is one downloadable variant of a media item
type FormatDescriptor struct {
	ID          string  `json:"format_id"`
	Ext         string  `json:"ext"`
	Progressive bool    `json:"is_progressive"`
	HasVideo    bool    `json:"has_video"`
	HasAudio    bool    `json:"has_audio"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Resolution  string  `json:"resolution"`
	FPS         float64 `json:"fps,omitempty"`
	BitrateKbps float64 `json:"bitrate_kbps,omitempty"`
	Codec       string  `json:"codec"`
	SizeBytes   *int64  `json:"size_bytes"`
	Estimated   bool    `json:"estimated"`
	Note        string  `json:"note,omitempty"`

	// SourceURL is the engine's direct handle; it is never serialized to clients.
	SourceURL string `json:"-"`
}

// AudioOnly reports whether f carries audio and no video
func (f FormatDescriptor) AudioOnly() bool {
	return f.HasAudio && !f.HasVideo
}

// VideoOnly reports whether f carries video and no audio
func (f FormatDescriptor) VideoOnly() bool {
	return f.HasVideo && !f.HasAudio
}

// MediaMetadata is the normalized result of analyzing one URL.
// Values are treated as immutable once cached.
type MediaMetadata struct {
	CanonicalURL string             `json:"canonical_url"`
	Platform     string             `json:"platform"`
	ID           string             `json:"id,omitempty"`
	Title        string             `json:"title"`
	Uploader     string             `json:"uploader,omitempty"`
	ThumbnailURL string             `json:"thumbnail_url,omitempty"`
	Duration     float64            `json:"duration,omitempty"`
	MediaType    MediaType          `json:"media_type"`
	Formats      []FormatDescriptor `json:"formats"`
	FetchedAt    time.Time          `json:"fetched_at"`
}

// Format looks up a format by id
func (m *MediaMetadata) Format(id string) (FormatDescriptor, bool) {
	for _, f := range m.Formats {
		if f.ID == id {
			return f, true
		}
	}
	return FormatDescriptor{}, false
}

// BestAudio returns the highest-ranked audio-only format other than exclude.
func (m *MediaMetadata) BestAudio(exclude string) (FormatDescriptor, bool) {
	for _, f := range m.Formats {
		if f.AudioOnly() && f.ID != exclude {
			return f, true
		}
	}
	return FormatDescriptor{}, false
}

// BestVideoOnly returns the highest-ranked video-only format
func (m *MediaMetadata) BestVideoOnly() (FormatDescriptor, bool) {
	for _, f := range m.Formats {
		if f.VideoOnly() {
			return f, true
		}
	}
	return FormatDescriptor{}, false
}

// BestProgressive returns the highest-ranked progressive format whose height
// does not exceed maxHeight. A maxHeight of 0 means no limit.
func (m *MediaMetadata) BestProgressive(maxHeight int) (FormatDescriptor, bool) {
	for _, f := range m.Formats {
		if f.Progressive && (maxHeight == 0 || f.Height <= maxHeight) {
			return f, true
		}
	}
	return FormatDescriptor{}, false
}
