package platform

import (
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// YouTubeCanonicalizer maps every YouTube video URL shape to /watch?v=ID
type YouTubeCanonicalizer struct {
	videoIDPattern *regexp.Regexp
}

func NewYouTube() *YouTubeCanonicalizer {
	return &YouTubeCanonicalizer{
		videoIDPattern: regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`),
	}
}

func (c *YouTubeCanonicalizer) Platform() Platform { return YouTube }

func (c *YouTubeCanonicalizer) CanHandle(u *url.URL) bool {
	switch bareHost(u) {
	case "youtube.com", "youtu.be", "music.youtube.com", "youtube-nocookie.com":
		return true
	}
	return false
}

func (c *YouTubeCanonicalizer) Canonicalize(u *url.URL) (Result, error) {
	var videoID, kind string

	if bareHost(u) == "youtu.be" {
		videoID, kind = firstSegment(u.Path), "video"
	} else {
		videoID, kind = extractVideoID(u)
	}

	if videoID == "" {
		return Result{}, apperrors.Validation("could not extract video ID from URL")
	}
	if !c.videoIDPattern.MatchString(videoID) {
		return Result{}, apperrors.Validation("invalid video ID format").
			WithDetails(map[string]any{"video_id": videoID})
	}

	return Result{
		Platform:  YouTube,
		ID:        videoID,
		Kind:      kind,
		Canonical: "https://www.youtube.com/watch?v=" + videoID,
	}, nil
}

func extractVideoID(u *url.URL) (videoID, kind string) {
	path := u.Path

	switch {
	case strings.HasPrefix(path, "/watch"):
		return u.Query().Get("v"), "video"
	case strings.HasPrefix(path, "/shorts/"):
		return firstSegment(strings.TrimPrefix(path, "/shorts/")), "short"
	case strings.HasPrefix(path, "/embed/"):
		return firstSegment(strings.TrimPrefix(path, "/embed/")), "video"
	case strings.HasPrefix(path, "/v/"):
		return firstSegment(strings.TrimPrefix(path, "/v/")), "video"
	case strings.HasPrefix(path, "/live/"):
		return firstSegment(strings.TrimPrefix(path, "/live/")), "live"
	}
	return "", ""
}

func firstSegment(path string) string {
	segments := splitPath(path)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}
