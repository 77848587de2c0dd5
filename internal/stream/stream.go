// Package stream serves stored artifacts and relays upstream media with HTTP
// Range support.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/storage"
)

var (
	// ErrUnsatisfiable is returned by ParseRange when the range lies outside
	// the object.
	ErrUnsatisfiable = errors.New("range not satisfiable")

	rangeSpec = regexp.MustCompile(`^(\d*)-(\d*)$`)
)

// ParseRange parses an HTTP Range header value against an object of size
// bytes. It supports "bytes=0-499", "bytes=500-" and "bytes=-500"; only the
// first of multiple ranges is honored. An empty header yields a nil range.
func ParseRange(header string, size int64) (*storage.ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, ErrUnsatisfiable
	}

	spec, _, _ := strings.Cut(strings.TrimPrefix(header, "bytes="), ",")
	m := rangeSpec.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil || (m[1] == "" && m[2] == "") {
		return nil, ErrUnsatisfiable
	}

	var rng storage.ByteRange
	switch {
	case m[1] == "":
		suffix, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || suffix == 0 {
			return nil, ErrUnsatisfiable
		}
		rng.Start = max(size-suffix, 0)
		rng.End = size - 1

	case m[2] == "":
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, ErrUnsatisfiable
		}
		rng.Start = start
		rng.End = size - 1

	default:
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, ErrUnsatisfiable
		}
		end, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, ErrUnsatisfiable
		}
		rng.Start = start
		rng.End = min(end, size-1)
	}

	if rng.Start < 0 || rng.Start >= size || rng.Start > rng.End {
		return nil, ErrUnsatisfiable
	}
	return &rng, nil
}

// ContentDisposition formats an attachment header for filename.
func ContentDisposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// Serve writes the object stored under key, honoring the request's Range
// header. Errors are returned before any body bytes are written.
func Serve(w http.ResponseWriter, r *http.Request, store storage.Store, key, filename string) error {
	ctx := r.Context()

	info, err := store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("file")
		}
		return apperrors.StorageError("failed to stat artifact").WithCause(err)
	}

	rng, err := ParseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		return apperrors.RangeNotSatisfiable()
	}
	if rng != nil && !ifRangeMatches(r, info) {
		rng = nil
	}

	body, _, err := store.Open(ctx, key, rng)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("file")
		}
		return apperrors.StorageError("failed to open artifact").WithCause(err)
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = media.ContentType(path.Ext(key))
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Disposition", ContentDisposition(filename))
	if info.ETag != "" {
		h.Set("ETag", quoteETag(info.ETag))
	}
	if !info.ModTime.IsZero() {
		h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	length := info.Size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.Length()
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, info.Size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, body); err != nil && ctx.Err() == nil {
		logger.Default().WithComponent("stream").Warn(ctx, "artifact stream interrupted", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
	return nil
}

func ifRangeMatches(r *http.Request, info storage.ObjectInfo) bool {
	v := r.Header.Get("If-Range")
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, `"`) || strings.HasPrefix(v, "W/") {
		return info.ETag != "" && v == quoteETag(info.ETag)
	}
	t, err := http.ParseTime(v)
	return err == nil && !info.ModTime.IsZero() && !info.ModTime.Truncate(time.Second).After(t)
}

func quoteETag(tag string) string {
	if strings.HasPrefix(tag, `"`) {
		return tag
	}
	return `"` + tag + `"`
}

// forwardedHeaders are copied from the upstream response to the client.
var forwardedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

// Proxy relays a remote media URL to the client.
type Proxy struct {
	client  *http.Client
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewProxy creates a proxy. A nil client gets one without an overall timeout,
// since relayed bodies can take arbitrarily long.
func NewProxy(client *http.Client, m *metrics.Metrics) *Proxy {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   8,
			},
		}
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Proxy{
		client:  client,
		metrics: m,
		log:     logger.Default().WithComponent("stream"),
	}
}

// Relay fetches upstream with the client's Range header forwarded and copies
// the response through, naming the download filename.
func (p *Proxy) Relay(w http.ResponseWriter, r *http.Request, upstream, filename string) error {
	ctx := r.Context()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return apperrors.Extraction("invalid source url").WithCause(err)
	}
	for _, name := range []string{"Range", "If-Range"} {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.TransferTimeout("upstream request")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Extraction("upstream request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
		return apperrors.RangeNotSatisfiable()
	default:
		return apperrors.Extraction(fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}

	h := w.Header()
	for _, name := range forwardedHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Content-Type") == "" || h.Get("Content-Type") == "application/octet-stream" {
		h.Set("Content-Type", media.ContentType(path.Ext(filename)))
	}
	h.Set("Content-Disposition", ContentDisposition(filename))
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	p.metrics.AddCounter("proxy_bytes_total", uint64(n))
	if err != nil && ctx.Err() == nil {
		p.log.Warn(ctx, "proxy stream interrupted", map[string]any{
			"bytes": n,
			"error": err.Error(),
		})
	}
	return nil
}
