package extractor

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

var (
	ErrUnavailable       = errors.New("media unavailable")
	ErrPrivate           = errors.New("media is private")
	ErrGeoBlocked        = errors.New("media is not available in this region")
	ErrAgeRestricted     = errors.New("content is age-restricted")
	ErrRateLimited       = errors.New("origin rate limited the request")
	ErrForbidden         = errors.New("origin rejected the request")
	ErrNetwork           = errors.New("network error")
	ErrUnsupported       = errors.New("url not supported")
	ErrFormatUnavailable = errors.New("requested format is not available")
	ErrEngineNotFound    = errors.New("extraction engine not found")
	ErrFailed            = errors.New("extraction failed")
)

// stderrRules maps engine stderr fragments to sentinels, first match wins.
var stderrRules = []struct {
	needles []string
	err     error
}{
	{[]string{"private video", "is private"}, ErrPrivate},
	{[]string{"sign in to confirm your age", "age-restricted", "age restricted"}, ErrAgeRestricted},
	{[]string{"available in your country", "geo restricted", "geo-restricted", "blocked it in your country"}, ErrGeoBlocked},
	{[]string{"http error 429", "too many requests", "rate-limit", "rate limit"}, ErrRateLimited},
	{[]string{"http error 403", "forbidden"}, ErrForbidden},
	{[]string{"requested format is not available", "requested format not available"}, ErrFormatUnavailable},
	{[]string{"video unavailable", "this video is unavailable", "has been removed", "does not exist"}, ErrUnavailable},
	{[]string{"unsupported url", "no suitable extractor"}, ErrUnsupported},
	{[]string{"unable to download", "connection", "network", "timed out", "name resolution"}, ErrNetwork},
}

// categorizeError converts an engine failure into the application taxonomy.
// A context deadline becomes TransferTimeout; cancellation passes through untouched.
func categorizeError(ctx context.Context, operation string, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.TransferTimeout(operation).WithCause(ctxErr)
		}
		return ctxErr
	}

	lower := strings.ToLower(stderr)
	for _, rule := range stderrRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return apperrors.Extraction(rule.err.Error()).WithCause(rule.err)
			}
		}
	}

	msg := lastLine(stderr)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return apperrors.Extraction(msg).WithCause(errors.Join(ErrFailed, err))
}

// lastLine returns the final non-empty line of s with the engine's ERROR: prefix removed.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "ERROR: ")
		if len(line) > 300 {
			line = line[:300]
		}
		return line
	}
	return ""
}
