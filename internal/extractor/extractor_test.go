package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/media"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line    string
		ok      bool
		percent float64
		total   int64
		speed   string
		eta     time.Duration
		hasETA  bool
	}{
		{"[download]  42.3% of ~10.00MiB at  1.20MiB/s ETA 00:07", true, 42.3, 10 << 20, "1.20MiB/s", 7 * time.Second, true},
		{"[download]   0.0% of 512.00KiB at Unknown B/s ETA Unknown", true, 0, 512 << 10, "", 0, false},
		{"[download] 100% of   10.00MiB in 00:00:05 at 2.00MiB/s", true, 100, 10 << 20, "", 0, false},
		{"[download]  55.0% of 1.50GiB at 10.00MiB/s ETA 01:02:03", true, 55, int64(1.5 * (1 << 30)), "10.00MiB/s", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"[download] Destination: /tmp/x.mp4", false, 0, 0, "", 0, false},
		{"[youtube] dQw4w9WgXcQ: Downloading webpage", false, 0, 0, "", 0, false},
		{"", false, 0, 0, "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, ok := parseProgress(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if p.Percent != tt.percent {
				t.Errorf("Percent = %v, want %v", p.Percent, tt.percent)
			}
			if p.TotalBytes != tt.total {
				t.Errorf("TotalBytes = %d, want %d", p.TotalBytes, tt.total)
			}
			if p.Speed != tt.speed {
				t.Errorf("Speed = %q, want %q", p.Speed, tt.speed)
			}
			if p.HasETA != tt.hasETA || p.ETA != tt.eta {
				t.Errorf("ETA = %v (%v), want %v (%v)", p.ETA, p.HasETA, tt.eta, tt.hasETA)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		stderr   string
		sentinel error
	}{
		{"ERROR: [youtube] abc: Private video. Sign in if you've been granted access", ErrPrivate},
		{"ERROR: [youtube] abc: Sign in to confirm your age", ErrAgeRestricted},
		{"ERROR: The uploader has not made this video available in your country", ErrGeoBlocked},
		{"ERROR: unable to download video data: HTTP Error 403: Forbidden", ErrForbidden},
		{"ERROR: HTTP Error 429: Too Many Requests", ErrRateLimited},
		{"ERROR: [youtube] abc: Video unavailable", ErrUnavailable},
		{"ERROR: Unsupported URL: https://example.com/", ErrUnsupported},
		{"ERROR: [youtube] abc: Requested format is not available", ErrFormatUnavailable},
		{"ERROR: Unable to download webpage: <urlopen error [Errno -3] Temporary failure in name resolution>", ErrNetwork},
		{"ERROR: something nobody anticipated", ErrFailed},
	}

	for _, tt := range tests {
		err := categorizeError(context.Background(), "extraction", errors.New("exit status 1"), tt.stderr)
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("%q: got %v, want %v", tt.stderr, err, tt.sentinel)
		}
		if !apperrors.HasCode(err, apperrors.CodeExtractionError) {
			t.Errorf("%q: expected extraction error code, got %v", tt.stderr, err)
		}
	}
}

func TestCategorizeError_Context(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := categorizeError(ctx, "transfer", errors.New("signal: killed"), "")
	if !apperrors.HasCode(err, apperrors.CodeTransferTimeout) {
		t.Errorf("deadline: got %v, want transfer timeout", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = categorizeError(ctx, "transfer", errors.New("signal: killed"), "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancel: got %v, want context.Canceled", err)
	}
}

func TestLastLine(t *testing.T) {
	got := lastLine("WARNING: x\nERROR: boom\n\n")
	if got != "boom" {
		t.Errorf("lastLine = %q, want boom", got)
	}
}

type countingEngine struct{ calls int }

func (c *countingEngine) Extract(ctx context.Context, url, profile string) (*media.RawInfo, error) {
	c.calls++
	return &media.RawInfo{ID: "x"}, nil
}

func (c *countingEngine) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error {
	return nil
}

func TestLimited_WaitHonoursContext(t *testing.T) {
	inner := &countingEngine{}
	l := NewLimited(inner, 0.001, 1)

	if _, err := l.Extract(context.Background(), "u", ProfileDefault); err != nil {
		t.Fatalf("first extract should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Extract(ctx, "u", ProfileDefault); err == nil {
		t.Fatal("second extract should be throttled past the deadline")
	}
	if inner.calls != 1 {
		t.Errorf("inner engine called %d times, want 1", inner.calls)
	}
}

func TestKnownProfile(t *testing.T) {
	for _, p := range []string{"default", "android", "ios", "web_embedded", "tv"} {
		if !KnownProfile(p) {
			t.Errorf("KnownProfile(%q) = false", p)
		}
	}
	if KnownProfile("desktop") {
		t.Error("KnownProfile(desktop) = true")
	}
}
