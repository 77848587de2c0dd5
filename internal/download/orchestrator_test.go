package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/platform"
)

type staticSource struct {
	meta *media.MediaMetadata
	err  error
}

func (s staticSource) Resolve(ctx context.Context, rawURL, hint string) (platform.Result, *media.MediaMetadata, error) {
	if s.err != nil {
		return platform.Result{}, nil, s.err
	}
	return platform.Result{Platform: platform.YouTube, Canonical: s.meta.CanonicalURL}, s.meta, nil
}

// fakeEngine writes a small file for every fetch. Behaviour per selector and
// profile is controlled by fail and block.
type fakeEngine struct {
	mu      sync.Mutex
	fail    map[string]error // keyed by "selector@profile" or "selector"
	block   bool
	started chan string
	fetches []string
	active  int
	peak    int
}

func (e *fakeEngine) Extract(ctx context.Context, url, profile string) (*media.RawInfo, error) {
	return nil, errors.New("not used")
}

func (e *fakeEngine) Fetch(ctx context.Context, req extractor.FetchRequest, progress extractor.ProgressFunc) error {
	e.mu.Lock()
	e.fetches = append(e.fetches, req.FormatSelector+"@"+req.Profile)
	e.active++
	e.peak = max(e.peak, e.active)
	err, failing := e.fail[req.FormatSelector+"@"+req.Profile]
	if !failing {
		err, failing = e.fail[req.FormatSelector]
	}
	block := e.block
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.started != nil {
		e.started <- req.FormatSelector
	}

	for _, pct := range []float64{10, 40, 70} {
		progress(extractor.Progress{Percent: pct, Speed: "1.00MiB/s", ETA: time.Second, HasETA: true})
	}

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if failing {
		return err
	}

	progress(extractor.Progress{Percent: 100})
	return os.WriteFile(req.Dest, []byte("media:"+req.FormatSelector), 0644)
}

func (e *fakeEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.fetches...)
}

type fakeMuxer struct {
	err         error
	unavailable bool
}

func (m *fakeMuxer) Available() bool { return !m.unavailable }

func (m *fakeMuxer) Merge(ctx context.Context, video, audio, output string, progress func(float64)) error {
	if m.unavailable {
		return apperrors.MergeFailure("failed to start ffmpeg")
	}
	if m.err != nil {
		_ = os.WriteFile(output, []byte("partial"), 0644)
		_ = os.Remove(output)
		return m.err
	}
	progress(50)
	progress(100)
	return os.WriteFile(output, []byte("merged"), 0644)
}

type harness struct {
	orch        *Orchestrator
	engine      *fakeEngine
	downloadDir string
	workDir     string

	mu     sync.Mutex
	events map[string][]Snapshot
}

func newHarness(t *testing.T, cfg Config, engine *fakeEngine, mux *fakeMuxer) *harness {
	t.Helper()
	h := &harness{
		engine:      engine,
		downloadDir: t.TempDir(),
		workDir:     t.TempDir(),
		events:      make(map[string][]Snapshot),
	}
	cfg.DownloadDir = h.downloadDir
	cfg.WorkDir = h.workDir
	if cfg.Profiles == nil {
		cfg.Profiles = []string{"android"}
	}
	if mux == nil {
		mux = &fakeMuxer{}
	}

	h.orch = New(cfg, Deps{
		Source:  staticSource{meta: catalog()},
		Engine:  engine,
		Muxer:   mux,
		Metrics: metrics.New(),
	})
	h.orch.Subscribe(func(s Snapshot) {
		h.mu.Lock()
		h.events[s.ID] = append(h.events[s.ID], s)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Stop(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, formatID string) Snapshot {
	t.Helper()
	snap, err := h.orch.Submit(context.Background(), Request{URL: "https://youtu.be/dQw4w9WgXcQ", FormatID: formatID})
	if err != nil {
		t.Fatalf("Submit(%q): %v", formatID, err)
	}
	if snap.State != StateQueued {
		t.Fatalf("new task state = %s, want queued", snap.State)
	}
	return snap
}

func (h *harness) wait(t *testing.T, id string, want func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.orch.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if want(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := h.orch.Get(id)
	t.Fatalf("timed out waiting on task %s, last snapshot %+v", id, snap)
	return Snapshot{}
}

func terminal(s Snapshot) bool { return s.State.Terminal() }

// eventually polls cond, since listeners and cleanup run just after a
// terminal snapshot becomes visible.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) history(id string) []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.events[id]...)
}

func TestOrchestrator_DirectSuccess(t *testing.T) {
	h := newHarness(t, Config{WorkerCount: 2}, &fakeEngine{}, nil)
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFinished {
		t.Fatalf("state = %s (%s), want finished", final.State, final.Detail)
	}
	if final.ResolvedStrategy != "Direct" {
		t.Errorf("resolved strategy = %q, want Direct", final.ResolvedStrategy)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %v, want 100", final.Progress)
	}
	if final.Result == nil {
		t.Fatal("finished task has no result")
	}

	wantPath := filepath.Join(h.downloadDir, snap.ID, "Test_Video.mp4")
	if final.Result.Path != wantPath {
		t.Errorf("result path = %q, want %q", final.Result.Path, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil || string(data) != "media:22" {
		t.Errorf("artifact = %q, %v", data, err)
	}
	eventually(t, "work directory removal", func() bool {
		_, err := os.Stat(filepath.Join(h.workDir, snap.ID))
		return os.IsNotExist(err)
	})
}

func TestOrchestrator_ProgressMonotonic(t *testing.T) {
	h := newHarness(t, Config{WorkerCount: 1}, &fakeEngine{}, nil)
	h.orch.Start()

	snap := h.submit(t, "136")
	final := h.wait(t, snap.ID, terminal)
	if final.State != StateFinished {
		t.Fatalf("state = %s (%s), want finished", final.State, final.Detail)
	}
	if final.ResolvedStrategy != "Merge" {
		t.Errorf("resolved strategy = %q, want Merge", final.ResolvedStrategy)
	}

	eventually(t, "terminal event", func() bool {
		events := h.history(snap.ID)
		return len(events) > 0 && events[len(events)-1].State.Terminal()
	})
	events := h.history(snap.ID)
	var sawMerging bool
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress went backwards at event %d: %v -> %v", i, events[i-1].Progress, events[i].Progress)
		}
		if !events[i].State.Terminal() && events[i].Progress > maxRunningProgress {
			t.Errorf("non-terminal event reports %v%%", events[i].Progress)
		}
		sawMerging = sawMerging || events[i].State == StateMerging
	}
	if !sawMerging {
		t.Error("merge strategy never published a merging snapshot")
	}
	if last := events[len(events)-1]; last.State != StateFinished || last.Progress != 100 {
		t.Errorf("last event = %s at %v%%, want finished at 100", last.State, last.Progress)
	}
}

func TestOrchestrator_MergeFailure(t *testing.T) {
	mux := &fakeMuxer{err: apperrors.MergeFailure("ffmpeg exited with exit status 1")}
	h := newHarness(t, Config{WorkerCount: 1}, &fakeEngine{}, mux)
	h.orch.Start()

	snap := h.submit(t, "136")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if !strings.Contains(final.Detail, "merge failed") {
		t.Errorf("detail = %q, want a merge failure", final.Detail)
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, merge failure must not fall through the chain", final.Attempts)
	}
	if final.Result != nil {
		t.Error("failed task must not carry a result")
	}
	if entries, _ := os.ReadDir(filepath.Join(h.downloadDir, snap.ID)); len(entries) != 0 {
		t.Errorf("output directory should be empty, found %d entries", len(entries))
	}
}

func TestOrchestrator_FallbackToReprofile(t *testing.T) {
	engine := &fakeEngine{fail: map[string]error{
		"22@default": apperrors.Extraction("origin rejected the request"),
	}}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFinished {
		t.Fatalf("state = %s (%s), want finished", final.State, final.Detail)
	}
	if final.ResolvedStrategy != "ClientReprofile" {
		t.Errorf("resolved strategy = %q, want ClientReprofile", final.ResolvedStrategy)
	}
	if final.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Attempts)
	}
}

func TestOrchestrator_ChainExhausted(t *testing.T) {
	engine := &fakeEngine{fail: map[string]error{
		"22":  apperrors.Extraction("origin rejected the request"),
		"140": apperrors.TransferTimeout("transfer"),
	}}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	want := "all 3 strategies failed; last (AudioOnly): transfer timed out"
	if final.Detail != want {
		t.Errorf("detail = %q, want %q", final.Detail, want)
	}
	if final.Error != apperrors.CodeTransferTimeout {
		t.Errorf("error = %q, want %s", final.Error, apperrors.CodeTransferTimeout)
	}
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	engine := &fakeEngine{block: true, started: make(chan string, 8)}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	h.orch.Start()

	snap := h.submit(t, "22")
	<-engine.started

	if _, err := h.orch.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateCancelled {
		t.Fatalf("state = %s (%s), want cancelled", final.State, final.Detail)
	}
	if _, err := os.Stat(filepath.Join(h.downloadDir, snap.ID)); !os.IsNotExist(err) {
		t.Error("cancelled task must not leave an output directory")
	}
	if got := len(engine.calls()); got != 1 {
		t.Errorf("engine called %d times after cancel, want 1", got)
	}

	_, err := h.orch.Cancel(snap.ID)
	if !apperrors.HasCode(err, apperrors.CodeAlreadyTerminal) {
		t.Errorf("second Cancel = %v, want already terminal", err)
	}
}

func TestOrchestrator_CancelQueued(t *testing.T) {
	engine := &fakeEngine{block: true, started: make(chan string, 8)}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	h.orch.Start()

	first := h.submit(t, "22")
	<-engine.started
	second := h.submit(t, "18")

	got, err := h.orch.Cancel(second.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != StateCancelled {
		t.Errorf("queued task state after cancel = %s, want cancelled", got.State)
	}

	if _, err := h.orch.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel(first): %v", err)
	}
	h.wait(t, first.ID, terminal)

	for _, call := range engine.calls() {
		if strings.HasPrefix(call, "18@") {
			t.Error("cancelled queued task was executed")
		}
	}
}

func TestOrchestrator_FIFOAndLimit(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, Config{WorkerCount: 1, Profiles: []string{}}, engine, nil)

	ids := []string{
		h.submit(t, "22").ID,
		h.submit(t, "18").ID,
		h.submit(t, "140").ID,
	}
	h.orch.Start()
	for _, id := range ids {
		h.wait(t, id, terminal)
	}

	calls := engine.calls()
	want := []string{"22@default", "18@default", "140@default"}
	if len(calls) != len(want) {
		t.Fatalf("fetches = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("fetch %d = %s, want %s", i, calls[i], want[i])
		}
	}
	engine.mu.Lock()
	peak := engine.peak
	engine.mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestOrchestrator_QueueFull(t *testing.T) {
	h := newHarness(t, Config{WorkerCount: 1, QueueSize: 1}, &fakeEngine{}, nil)

	h.submit(t, "22")
	_, err := h.orch.Submit(context.Background(), Request{URL: "https://youtu.be/dQw4w9WgXcQ", FormatID: "18"})
	if !apperrors.HasCode(err, apperrors.CodeServiceUnavailable) {
		t.Errorf("Submit on full queue = %v, want service unavailable", err)
	}
	if n := len(h.orch.List()); n != 1 {
		t.Errorf("rejected task should not be retained, have %d tasks", n)
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{}, nil)

	_, err := h.orch.Submit(context.Background(), Request{URL: "https://youtu.be/dQw4w9WgXcQ", FormatID: "999"})
	if !apperrors.HasCode(err, apperrors.CodeValidationError) {
		t.Errorf("unknown format = %v, want validation error", err)
	}

	h.orch.deps.Source = staticSource{err: apperrors.Validation("url is required")}
	_, err = h.orch.Submit(context.Background(), Request{})
	if !apperrors.HasCode(err, apperrors.CodeValidationError) {
		t.Errorf("bad url = %v, want validation error", err)
	}
}

func TestOrchestrator_GetUnknown(t *testing.T) {
	h := newHarness(t, Config{}, &fakeEngine{}, nil)

	if _, err := h.orch.Get("nope"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("Get = %v, want not found", err)
	}
	if _, err := h.orch.Cancel("nope"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("Cancel = %v, want not found", err)
	}
}

func TestOrchestrator_Sweep(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	h := newHarness(t, Config{WorkerCount: 1, Retention: time.Hour, JanitorInterval: time.Hour}, &fakeEngine{}, nil)
	h.orch.deps.Now = clock
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)
	if final.State != StateFinished || final.Result == nil {
		t.Fatalf("state = %s (%s), want finished with a result", final.State, final.Detail)
	}

	if n := h.orch.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d tasks inside the retention window", n)
	}

	mu.Lock()
	now = now.Add(61 * time.Minute)
	mu.Unlock()

	if n := h.orch.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d tasks, want 1", n)
	}
	if _, err := h.orch.Get(snap.ID); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("swept task still readable: %v", err)
	}
	if _, err := os.Stat(final.Result.Path); !os.IsNotExist(err) {
		t.Error("swept task artifact still on disk")
	}
}

func TestOrchestrator_WithoutMuxerSkipsMerge(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, Config{WorkerCount: 1}, engine, &fakeMuxer{unavailable: true})
	h.orch.Start()

	snap := h.submit(t, "best")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFinished {
		t.Fatalf("state = %s (%s), want finished", final.State, final.Detail)
	}
	if final.ResolvedStrategy != "Direct" {
		t.Errorf("resolved strategy = %q, want Direct", final.ResolvedStrategy)
	}
	if calls := engine.calls(); len(calls) != 1 || calls[0] != "22@default" {
		t.Errorf("fetches = %v, want only the progressive format", calls)
	}
}

func TestOrchestrator_CreatesWorkDir(t *testing.T) {
	h := newHarness(t, Config{WorkerCount: 1}, &fakeEngine{}, nil)
	h.orch.cfg.WorkDir = filepath.Join(h.workDir, "nested", "work")
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)
	if final.State != StateFinished {
		t.Fatalf("state = %s (%s), want finished", final.State, final.Detail)
	}
}

func TestOrchestrator_WorkDirUnavailable(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	blocker := filepath.Join(h.workDir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	h.orch.cfg.WorkDir = blocker
	h.orch.Start()

	snap := h.submit(t, "22")
	final := h.wait(t, snap.ID, terminal)

	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if !strings.HasPrefix(final.Detail, "cannot create work directory") {
		t.Errorf("detail = %q", final.Detail)
	}
	if final.Error != apperrors.CodeStorageError {
		t.Errorf("error = %q, want %s", final.Error, apperrors.CodeStorageError)
	}
	if n := len(engine.calls()); n != 0 {
		t.Errorf("engine called %d times without a work directory", n)
	}
}

func TestOrchestrator_StopCancelsQueued(t *testing.T) {
	engine := &fakeEngine{block: true, started: make(chan string, 8)}
	h := newHarness(t, Config{WorkerCount: 1}, engine, nil)
	h.orch.Start()

	running := h.submit(t, "22")
	<-engine.started
	queued := h.submit(t, "18")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, id := range []string{running.ID, queued.ID} {
		snap, err := h.orch.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if snap.State != StateCancelled || snap.Detail != "cancelled by server shutdown" {
			t.Errorf("task %s = %s (%s), want cancelled by server shutdown", id, snap.State, snap.Detail)
		}
	}

	events := h.history(queued.ID)
	if last := events[len(events)-1]; last.State != StateCancelled {
		t.Errorf("last published state of queued task = %s, want cancelled", last.State)
	}
	for _, call := range engine.calls() {
		if strings.HasPrefix(call, "18@") {
			t.Error("queued task ran during shutdown")
		}
	}
}
