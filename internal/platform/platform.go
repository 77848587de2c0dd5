package platform

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// Platform identifies the site a URL belongs to
type Platform string

const (
	YouTube    Platform = "youtube"
	SoundCloud Platform = "soundcloud"
	Instagram  Platform = "instagram"
	Facebook   Platform = "facebook"
	TikTok     Platform = "tiktok"
	Twitter    Platform = "twitter"
	Pinterest  Platform = "pinterest"
	LinkedIn   Platform = "linkedin"
	Reddit     Platform = "reddit"
	Snapchat   Platform = "snapchat"
	Vimeo      Platform = "vimeo"
	Generic    Platform = "generic"
)

// Result is a canonicalized media URL
type Result struct {
	Platform  Platform `json:"platform"`
	ID        string   `json:"id,omitempty"`
	Kind      string   `json:"kind,omitempty"` // e.g. "video", "short", "track"
	Canonical string   `json:"canonical_url"`
}

// Canonicalizer maps URLs of one platform to a stable form.
// Canonicalize must be idempotent: feeding its output back yields the same Result.
type Canonicalizer interface {
	Platform() Platform
	CanHandle(u *url.URL) bool
	Canonicalize(u *url.URL) (Result, error)
}

// Registry picks the first canonicalizer that accepts a URL
type Registry struct {
	mu             sync.RWMutex
	canonicalizers []Canonicalizer
	fallback       Canonicalizer
}

// NewRegistry creates an empty registry that falls back to generic canonicalization
func NewRegistry() *Registry {
	return &Registry{fallback: NewGeneric()}
}

// DefaultRegistry creates a registry with all built-in canonicalizers
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewYouTube())
	r.Register(NewSoundCloud())
	return r
}

// Register adds a canonicalizer ahead of the generic fallback
func (r *Registry) Register(c Canonicalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonicalizers = append(r.canonicalizers, c)
}

// Platforms lists the registered platform names
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Platform, 0, len(r.canonicalizers))
	for _, c := range r.canonicalizers {
		out = append(out, c.Platform())
	}
	return out
}

var bareVideoID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// Canonicalize parses raw and returns its canonical form.
// Malformed input is reported as a validation error.
func (r *Registry) Canonicalize(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, apperrors.Validation("url is required")
	}

	// A bare YouTube video id is accepted as shorthand
	if bareVideoID.MatchString(raw) {
		raw = "https://www.youtube.com/watch?v=" + raw
	}

	u, err := parse(raw)
	if err != nil {
		return Result{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.canonicalizers {
		if c.CanHandle(u) {
			return c.Canonicalize(u)
		}
	}
	return r.fallback.Canonicalize(u)
}

// CanonicalizeFor is Canonicalize with a caller-supplied platform hint.
// A hint that contradicts a recognised platform is rejected.
func (r *Registry) CanonicalizeFor(raw, hint string) (Result, error) {
	res, err := r.Canonicalize(raw)
	if err != nil {
		return Result{}, err
	}

	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" || hint == "auto" || Platform(hint) == res.Platform {
		return res, nil
	}
	if res.Platform == Generic {
		res.Platform = Platform(hint)
		return res, nil
	}
	return Result{}, apperrors.Validation("url does not belong to platform " + hint).
		WithDetails(map[string]any{"detected": res.Platform})
}

func parse(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Validation("invalid URL format").WithCause(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.Validation("invalid URL scheme")
	}
	if u.Hostname() == "" || !strings.Contains(u.Hostname(), ".") {
		return nil, apperrors.Validation("URL has no host")
	}
	return u, nil
}

// bareHost lower-cases the host and strips www. and m. prefixes
func bareHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	return host
}

// splitPath splits a URL path into non-empty segments
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}
