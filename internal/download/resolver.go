package download

import (
	"context"
	"errors"

	"github.com/mediafetch/mediafetch/internal/cache"
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/platform"
)

// Resolver turns a user-supplied URL into cached, normalized metadata.
type Resolver struct {
	registry *platform.Registry
	cache    *cache.MetadataCache
	engine   extractor.Engine
	profiles []string
	opts     media.Options
	log      *logger.Logger
}

func NewResolver(registry *platform.Registry, c *cache.MetadataCache, engine extractor.Engine, profiles []string) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    c,
		engine:   engine,
		profiles: profiles,
		opts:     media.Options{MaxFormats: media.DefaultMaxFormats},
		log:      logger.Default().WithComponent("resolver"),
	}
}

// Resolve canonicalizes rawURL (checked against platformHint when set) and
// returns its metadata, extracting at most once per canonical URL per TTL.
func (r *Resolver) Resolve(ctx context.Context, rawURL, platformHint string) (platform.Result, *media.MediaMetadata, error) {
	res, err := r.registry.CanonicalizeFor(rawURL, platformHint)
	if err != nil {
		return platform.Result{}, nil, err
	}

	meta, err := r.cache.GetOrCompute(ctx, res.Canonical, func(ctx context.Context) (*media.MediaMetadata, error) {
		return r.extract(ctx, res)
	})
	if err != nil {
		return res, nil, err
	}
	return res, meta, nil
}

// extract tries the default client profile, then the alternates while the
// origin keeps refusing the request.
func (r *Resolver) extract(ctx context.Context, res platform.Result) (*media.MediaMetadata, error) {
	profiles := append([]string{extractor.ProfileDefault}, r.profiles...)
	if res.Platform != platform.YouTube {
		profiles = profiles[:1]
	}

	var lastErr error
	for _, profile := range profiles {
		info, err := r.engine.Extract(ctx, res.Canonical, profile)
		if err == nil {
			return media.BuildMetadata(info, res.Canonical, string(res.Platform), r.opts), nil
		}
		lastErr = err
		if !reprofileable(err) || ctx.Err() != nil {
			break
		}
		r.log.Debug(ctx, "extraction failed, trying next client profile", map[string]any{
			"url":     res.Canonical,
			"profile": profile,
			"error":   err.Error(),
		})
	}
	return nil, lastErr
}

// reprofileable reports whether another client identity might succeed.
func reprofileable(err error) bool {
	for _, permanent := range []error{
		extractor.ErrPrivate,
		extractor.ErrAgeRestricted,
		extractor.ErrGeoBlocked,
		extractor.ErrUnsupported,
		extractor.ErrUnavailable,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
