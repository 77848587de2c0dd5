package api

import (
	"net/http"
	"strings"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/media"
)

// InfoResponse is the body of GET /info
type InfoResponse struct {
	Platform     string                   `json:"platform"`
	CanonicalURL string                   `json:"canonical_url"`
	Title        string                   `json:"title"`
	Uploader     string                   `json:"uploader,omitempty"`
	ThumbnailURL string                   `json:"thumbnail_url,omitempty"`
	MediaType    media.MediaType          `json:"media_type"`
	Duration     float64                  `json:"duration,omitempty"`
	Formats      []media.FormatDescriptor `json:"formats"`
}

// getInfo handles GET /info?url=U[&platform=P]
func (r *Router) getInfo(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	rawURL := strings.TrimSpace(q.Get("url"))
	if rawURL == "" {
		return apperrors.Validation("url is required")
	}

	res, meta, err := r.deps.Resolver.Resolve(req.Context(), rawURL, q.Get("platform"))
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, InfoResponse{
		Platform:     string(res.Platform),
		CanonicalURL: res.Canonical,
		Title:        meta.Title,
		Uploader:     meta.Uploader,
		ThumbnailURL: meta.ThumbnailURL,
		MediaType:    meta.MediaType,
		Duration:     meta.Duration,
		Formats:      meta.Formats,
	})
	return nil
}
