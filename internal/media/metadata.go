package media

import (
	"strings"
	"time"
)

var imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true, "heic": true}

// BuildMetadata turns engine output into normalized metadata for canonical.
func BuildMetadata(info *RawInfo, canonical, platform string, opts Options) *MediaMetadata {
	src := info
	mt := inferType(info)

	// Multi-entry posts: the first entry with playable formats carries the catalog
	if len(info.Entries) > 0 && len(info.Formats) == 0 {
		for i := range info.Entries {
			if len(info.Entries[i].Formats) > 0 {
				src = &info.Entries[i]
				break
			}
		}
	}

	if opts.Duration == 0 {
		opts.Duration = src.Duration
	}

	raw := src.Formats
	if len(raw) == 0 && src.URL != "" && mt != TypeImageSet {
		// single-file extractors report the file itself instead of a format list
		raw = []RawFormat{{FormatID: "default", Ext: src.Ext, URL: src.URL}}
	}

	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = strings.TrimSpace(src.Title)
	}

	uploader := info.Uploader
	if uploader == "" {
		uploader = info.Channel
	}

	return &MediaMetadata{
		CanonicalURL: canonical,
		Platform:     platform,
		ID:           info.ID,
		Title:        title,
		Uploader:     uploader,
		ThumbnailURL: bestThumbnail(info),
		Duration:     src.Duration,
		MediaType:    mt,
		Formats:      Normalize(raw, mt, opts),
		FetchedAt:    time.Now().UTC(),
	}
}

func inferType(info *RawInfo) MediaType {
	if len(info.Entries) > 0 && len(info.Formats) == 0 {
		for i := range info.Entries {
			if t := inferType(&info.Entries[i]); t == TypeVideo {
				return TypeVideo
			}
		}
		return TypeImageSet
	}

	if len(info.Formats) == 0 {
		if imageExts[strings.ToLower(info.Ext)] {
			return TypeImageSet
		}
		if audioExts[strings.ToLower(info.Ext)] {
			return TypeAudio
		}
		return TypeVideo
	}

	for _, f := range info.Formats {
		if d, ok := describe(f, 0); ok && d.HasVideo {
			return TypeVideo
		}
	}
	return TypeAudio
}

func bestThumbnail(info *RawInfo) string {
	if info.Thumbnail != "" {
		return info.Thumbnail
	}

	best, bestArea := "", -1
	for _, t := range info.Thumbnails {
		if area := t.Width * t.Height; area > bestArea {
			best, bestArea = t.URL, area
		}
	}
	if best == "" && len(info.Entries) > 0 {
		return bestThumbnail(&info.Entries[0])
	}
	return best
}
