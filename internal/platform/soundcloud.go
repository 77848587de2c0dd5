package platform

import (
	"net/url"
	"regexp"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// SoundCloudCanonicalizer handles soundcloud.com tracks, sets and on.soundcloud.com short links
type SoundCloudCanonicalizer struct {
	usernamePattern  *regexp.Regexp
	trackSlugPattern *regexp.Regexp
}

func NewSoundCloud() *SoundCloudCanonicalizer {
	return &SoundCloudCanonicalizer{
		usernamePattern:  regexp.MustCompile(`^[a-zA-Z0-9_-]{3,25}$`),
		trackSlugPattern: regexp.MustCompile(`^[a-zA-Z0-9_-]+$`),
	}
}

func (c *SoundCloudCanonicalizer) Platform() Platform { return SoundCloud }

func (c *SoundCloudCanonicalizer) CanHandle(u *url.URL) bool {
	switch bareHost(u) {
	case "soundcloud.com", "on.soundcloud.com":
		return true
	}
	return false
}

var reservedSoundCloudPaths = map[string]bool{
	"discover": true, "stream": true, "you": true, "search": true,
	"upload": true, "people": true, "groups": true, "tags": true,
	"popular": true, "charts": true, "terms-of-use": true, "privacy": true,
}

func (c *SoundCloudCanonicalizer) Canonicalize(u *url.URL) (Result, error) {
	segments := splitPath(u.Path)

	if bareHost(u) == "on.soundcloud.com" {
		if len(segments) == 0 || len(segments[0]) < 5 || len(segments[0]) > 20 {
			return Result{}, apperrors.Validation("invalid short URL code format")
		}
		// Short links resolve server-side; the code itself is the stable id
		return Result{
			Platform:  SoundCloud,
			ID:        segments[0],
			Kind:      "short_url",
			Canonical: "https://on.soundcloud.com/" + segments[0],
		}, nil
	}

	if len(segments) < 2 {
		return Result{}, apperrors.Validation("URL does not point to a track or set")
	}
	if reservedSoundCloudPaths[segments[0]] {
		return Result{}, apperrors.Validation("URL points to a reserved SoundCloud page")
	}

	username := segments[0]
	if !c.usernamePattern.MatchString(username) {
		return Result{}, apperrors.Validation("invalid SoundCloud username format")
	}

	if segments[1] == "sets" {
		if len(segments) < 3 || !c.trackSlugPattern.MatchString(segments[2]) {
			return Result{}, apperrors.Validation("invalid playlist slug format")
		}
		id := username + "/sets/" + segments[2]
		return Result{Platform: SoundCloud, ID: id, Kind: "playlist", Canonical: "https://soundcloud.com/" + id}, nil
	}

	if !c.trackSlugPattern.MatchString(segments[1]) {
		return Result{}, apperrors.Validation("invalid track slug format")
	}
	id := username + "/" + segments[1]
	return Result{Platform: SoundCloud, ID: id, Kind: "track", Canonical: "https://soundcloud.com/" + id}, nil
}
