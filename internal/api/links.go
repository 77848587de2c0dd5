package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mediafetch/mediafetch/internal/download"
	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/signlink"
)

// SignResponse is the body of GET /sign
type SignResponse struct {
	SignedURL string    `json:"signed_url"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// getSign handles GET /sign?platform&url&format_id&filename[&ttl]
func (r *Router) getSign(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	rawURL := strings.TrimSpace(q.Get("url"))
	if rawURL == "" {
		return apperrors.Validation("url is required")
	}

	res, err := r.deps.Platforms.CanonicalizeFor(rawURL, q.Get("platform"))
	if err != nil {
		return err
	}

	ttl, err := parseTTL(q.Get("ttl"))
	if err != nil {
		return err
	}

	formatID := strings.TrimSpace(q.Get("format_id"))
	if formatID == "" {
		formatID = "best"
	}

	token, expiresAt, err := r.deps.Links.Issue(signlink.Link{
		Platform: string(res.Platform),
		URL:      res.Canonical,
		FormatID: formatID,
		Filename: q.Get("filename"),
	}, ttl)
	if err != nil {
		return apperrors.Internal("failed to sign link").WithCause(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, SignResponse{
		SignedURL: r.baseURL(req) + "/dl?token=" + url.QueryEscape(token),
		ExpiresAt: expiresAt,
		ExpiresIn: int(time.Until(expiresAt).Seconds()),
	})
	return nil
}

// parseTTL accepts seconds ("3600") or a Go duration ("1h"); empty means the
// issuer default.
func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	return 0, apperrors.Validation("ttl must be a positive number of seconds or a duration")
}

func (r *Router) baseURL(req *http.Request) string {
	if r.opts.PublicBaseURL != "" {
		return r.opts.PublicBaseURL
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if p := req.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + req.Host
}

// getDL handles GET /dl?token=T. Progressive formats are relayed straight
// from the source; anything that needs a merge becomes a task.
func (r *Router) getDL(w http.ResponseWriter, req *http.Request) error {
	link, err := r.deps.Links.Redeem(req.URL.Query().Get("token"))
	if err != nil {
		return apperrors.InvalidLink()
	}

	_, meta, err := r.deps.Resolver.Resolve(req.Context(), link.URL, link.Platform)
	if err != nil {
		return err
	}

	f, ok := relayFormat(meta, link.FormatID)
	if ok && r.deps.Proxy != nil {
		name := link.Filename
		if name == "" {
			name = media.SafeFilename(meta.Title, f.Ext)
		}
		return r.deps.Proxy.Relay(w, req, f.SourceURL, name)
	}

	snap, err := r.deps.Tasks.Submit(req.Context(), download.Request{
		URL:      link.URL,
		FormatID: link.FormatID,
		Platform: link.Platform,
		Filename: link.Filename,
	})
	if err != nil {
		return err
	}
	r.accepted(w, req, snap)
	return nil
}

// relayFormat picks the format /dl can stream without post-processing: the
// requested one if it is progressive or audio-only, or for "best" the best
// progressive format when no taller video-only format exists.
func relayFormat(meta *media.MediaMetadata, formatID string) (media.FormatDescriptor, bool) {
	if formatID == "" || formatID == "best" {
		f, ok := meta.BestProgressive(0)
		if !ok || f.SourceURL == "" {
			return media.FormatDescriptor{}, false
		}
		if v, ok := meta.BestVideoOnly(); ok && v.Height > f.Height {
			return media.FormatDescriptor{}, false
		}
		return f, true
	}
	f, ok := meta.Format(formatID)
	if !ok || f.SourceURL == "" {
		return media.FormatDescriptor{}, false
	}
	if f.Progressive || f.AudioOnly() {
		return f, true
	}
	return media.FormatDescriptor{}, false
}
