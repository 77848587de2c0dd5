// Package extractor drives the external media extraction engine.
package extractor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/mediafetch/mediafetch/internal/media"
)

// Client profiles understood by the engine. ProfileDefault lets the engine choose.
const (
	ProfileDefault     = "default"
	ProfileAndroid     = "android"
	ProfileIOS         = "ios"
	ProfileWebEmbedded = "web_embedded"
	ProfileTV          = "tv"
)

var knownProfiles = map[string]bool{
	ProfileDefault:     true,
	ProfileAndroid:     true,
	ProfileIOS:         true,
	ProfileWebEmbedded: true,
	ProfileTV:          true,
}

// KnownProfile reports whether p is a profile the engine accepts.
func KnownProfile(p string) bool {
	return knownProfiles[p]
}

// Progress is one parsed progress report from a transfer.
type Progress struct {
	Percent    float64
	TotalBytes int64
	ETA        time.Duration
	HasETA     bool
	Speed      string
}

type ProgressFunc func(Progress)

// FetchRequest describes one transfer. Dest is the exact output path.
type FetchRequest struct {
	URL            string
	FormatSelector string
	Profile        string
	Dest           string
}

// Engine is the opaque extraction capability.
type Engine interface {
	Extract(ctx context.Context, url, profile string) (*media.RawInfo, error)
	Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error
}

// Limited throttles metadata extraction against an Engine. Transfers pass through.
type Limited struct {
	engine  Engine
	limiter *rate.Limiter
}

// NewLimited allows perSecond extractions with a burst of burst.
func NewLimited(engine Engine, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limited{engine: engine, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Extract(ctx context.Context, url, profile string) (*media.RawInfo, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.engine.Extract(ctx, url, profile)
}

func (l *Limited) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error {
	return l.engine.Fetch(ctx, req, progress)
}
