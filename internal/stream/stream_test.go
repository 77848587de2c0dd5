package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/storage"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantNil   bool
		wantErr   bool
		wantStart int64
		wantEnd   int64
	}{
		{name: "no header", header: "", size: 100, wantNil: true},
		{name: "explicit", header: "bytes=0-49", size: 100, wantStart: 0, wantEnd: 49},
		{name: "open ended", header: "bytes=50-", size: 100, wantStart: 50, wantEnd: 99},
		{name: "suffix", header: "bytes=-10", size: 100, wantStart: 90, wantEnd: 99},
		{name: "suffix larger than object", header: "bytes=-500", size: 100, wantStart: 0, wantEnd: 99},
		{name: "end clamped", header: "bytes=10-1000", size: 100, wantStart: 10, wantEnd: 99},
		{name: "first of many", header: "bytes=0-9,20-29", size: 100, wantStart: 0, wantEnd: 9},
		{name: "start past end", header: "bytes=100-", size: 100, wantErr: true},
		{name: "inverted", header: "bytes=50-10", size: 100, wantErr: true},
		{name: "wrong unit", header: "items=0-1", size: 100, wantErr: true},
		{name: "empty spec", header: "bytes=-", size: 100, wantErr: true},
		{name: "zero suffix", header: "bytes=-0", size: 100, wantErr: true},
		{name: "garbage", header: "bytes=a-b", size: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := ParseRange(tt.header, tt.size)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", rng)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if rng != nil {
					t.Fatalf("expected nil range, got %+v", rng)
				}
				return
			}
			if rng.Start != tt.wantStart || rng.End != tt.wantEnd {
				t.Errorf("range = %d-%d, want %d-%d", rng.Start, rng.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func newStore(t *testing.T) *storage.Local {
	t.Helper()
	root := t.TempDir()
	s, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "task1")
	os.MkdirAll(dir, 0755)
	if err := os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	return s
}

func serve(t *testing.T, store storage.Store, key, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/files/task1", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	apperrors.HandleFunc(func(w http.ResponseWriter, r *http.Request) error {
		return Serve(w, r, store, key, "My Clip.mp4")
	})(rec, req)
	return rec
}

func TestServe_Full(t *testing.T) {
	rec := serve(t, newStore(t), "task1/clip.mp4", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="My Clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges should be bytes")
	}
}

func TestServe_Partial(t *testing.T) {
	rec := serve(t, newStore(t), "task1/clip.mp4", "bytes=2-4")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "234" {
		t.Errorf("body = %q, want 234", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-4/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "3" {
		t.Errorf("Content-Length = %q", got)
	}
}

func TestServe_Unsatisfiable(t *testing.T) {
	rec := serve(t, newStore(t), "task1/clip.mp4", "bytes=20-30")

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServe_Missing(t *testing.T) {
	rec := serve(t, newStore(t), "task1/none.mp4", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body apperrors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != apperrors.CodeNotFound {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestProxy_ForwardsRange(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.Header().Set("Set-Cookie", "secret=1")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "abcd")
	}))
	defer upstream.Close()

	m := metrics.New()
	p := NewProxy(upstream.Client(), m)

	req := httptest.NewRequest(http.MethodGet, "/dl?token=x", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	if err := p.Relay(rec, req, upstream.URL+"/media", "clip.mp4"); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if gotRange != "bytes=0-3" {
		t.Errorf("upstream Range = %q", gotRange)
	}
	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "abcd" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("upstream cookies must not be forwarded")
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), `filename=clip.mp4`) {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if got := m.Counter("proxy_bytes_total"); got != 4 {
		t.Errorf("proxy_bytes_total = %d, want 4", got)
	}
}

func TestProxy_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	p := NewProxy(upstream.Client(), metrics.New())
	req := httptest.NewRequest(http.MethodGet, "/dl", nil).WithContext(context.Background())
	err := p.Relay(httptest.NewRecorder(), req, upstream.URL, "clip.mp4")
	if !apperrors.HasCode(err, apperrors.CodeExtractionError) {
		t.Fatalf("err = %v, want extraction error", err)
	}
}
