package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/metrics"
	"github.com/mediafetch/mediafetch/internal/muxer"
	"github.com/mediafetch/mediafetch/internal/platform"
)

const (
	// Default configuration values
	DefaultWorkerCount     = 3
	DefaultQueueSize       = 256
	DefaultTransferTimeout = 10 * time.Minute
	DefaultRetention       = time.Hour
	DefaultMergeTick       = time.Second

	// Progress below 100 is reserved until the artifact is in place.
	maxRunningProgress = 99
	// Merge progress is mapped into [mergeFloor, maxRunningProgress].
	mergeFloor = 90
	mergeStep  = 2

	// Progress-only updates closer together than this are coalesced.
	progressInterval = 250 * time.Millisecond
)

// MetadataSource resolves user URLs into normalized metadata.
type MetadataSource interface {
	Resolve(ctx context.Context, rawURL, platformHint string) (platform.Result, *media.MediaMetadata, error)
}

// ArtifactStore receives finished files. It is optional.
type ArtifactStore interface {
	Put(ctx context.Context, key, path, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Config holds configuration for the orchestrator
type Config struct {
	WorkerCount     int
	QueueSize       int
	TransferTimeout time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
	MergeTick       time.Duration
	WorkDir         string
	DownloadDir     string
	// Profiles are the alternate client profiles used for ClientReprofile.
	Profiles []string
}

// Deps are the collaborators the orchestrator drives
type Deps struct {
	Source  MetadataSource
	Engine  extractor.Engine
	Muxer   muxer.Muxer
	Store   ArtifactStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Request is a download submission
type Request struct {
	URL      string
	FormatID string
	Platform string
	// Filename overrides the title-derived output name.
	Filename string
}

// Listener observes every published snapshot. It runs on the mutating
// goroutine and must not block or call back into Cancel.
type Listener func(Snapshot)

// Orchestrator owns every download task and the worker pool executing them.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu     sync.RWMutex
	tasks  map[string]*task
	active int64
	queue  chan *task

	listenersMu sync.RWMutex
	listeners   []Listener

	lifecycleMu sync.Mutex
	running     bool
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// New creates an orchestrator. Call Start to begin executing tasks.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = min(cfg.Retention/2, time.Minute)
	}
	if cfg.MergeTick <= 0 {
		cfg.MergeTick = DefaultMergeTick
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Default().WithComponent("orchestrator"),
		tasks: make(map[string]*task),
		queue: make(chan *task, cfg.QueueSize),
	}
}

// Start launches the workers and the retention janitor. Calling it twice is a no-op.
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return
	}
	o.running = true
	o.stopChan = make(chan struct{})
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())

	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.wg.Add(1)
	go o.janitor()

	o.log.Info(context.Background(), "orchestrator started", map[string]any{
		"workers":    o.cfg.WorkerCount,
		"queue_size": o.cfg.QueueSize,
	})
}

// Stop cancels running tasks and waits for the workers to unwind.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.lifecycleMu.Lock()
	if !o.running {
		o.lifecycleMu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopChan)
	o.baseCancel()
	o.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n := o.drainQueue()
		o.log.Info(ctx, "orchestrator stopped", map[string]any{"cancelled_queued": n})
		return nil
	case <-ctx.Done():
		o.drainQueue()
		o.log.Warn(ctx, "orchestrator shutdown timed out")
		return ctx.Err()
	}
}

// drainQueue cancels every task still waiting for a worker.
func (o *Orchestrator) drainQueue() int {
	n := 0
	for {
		select {
		case t := <-o.queue:
			t.mu.Lock()
			if t.load().State == StateQueued {
				o.transitionLocked(t, StateCancelled, func(s *Snapshot) {
					s.Detail = "cancelled by server shutdown"
				})
				n++
			}
			t.mu.Unlock()
		default:
			o.deps.Metrics.SetQueueLength(0)
			return n
		}
	}
}

// IsRunning returns whether the worker pool is currently running
func (o *Orchestrator) IsRunning() bool {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	return o.running
}

// Subscribe registers fn for every snapshot published from now on.
func (o *Orchestrator) Subscribe(fn Listener) {
	o.listenersMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenersMu.Unlock()
}

// Submit validates req, creates a queued task and returns its first snapshot.
// It never waits for the download. Every call creates a new task.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Snapshot, error) {
	formatID := req.FormatID
	if formatID == "" {
		formatID = "best"
	}

	res, meta, err := o.deps.Source.Resolve(ctx, req.URL, req.Platform)
	if err != nil {
		return Snapshot{}, err
	}

	if formatID != "best" {
		if _, ok := meta.Format(formatID); !ok {
			return Snapshot{}, apperrors.Validation("unknown format_id " + formatID).
				WithDetails(map[string]any{"format_id": formatID})
		}
	}
	if len(BuildChain(formatID, meta, o.cfg.Profiles, o.canMerge())) == 0 {
		return Snapshot{}, apperrors.Validation("no downloadable formats for this url")
	}

	now := o.deps.Now().UTC()
	t := &task{meta: meta, filename: req.Filename, requestID: apperrors.GetRequestID(ctx)}
	t.snap.Store(&Snapshot{
		ID:                uuid.New().String(),
		URL:               req.URL,
		Platform:          string(res.Platform),
		CanonicalURL:      res.Canonical,
		Title:             meta.Title,
		RequestedFormatID: formatID,
		State:             StateQueued,
		Detail:            "waiting for a worker",
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	snap := t.load()

	o.mu.Lock()
	o.tasks[snap.ID] = t
	o.mu.Unlock()

	// Holding t.mu keeps a worker from publishing before the queued snapshot.
	t.mu.Lock()
	select {
	case o.queue <- t:
	default:
		t.mu.Unlock()
		o.mu.Lock()
		delete(o.tasks, snap.ID)
		o.mu.Unlock()
		return Snapshot{}, apperrors.ServiceUnavailable("download queue is full")
	}
	o.publish(snap)
	t.mu.Unlock()

	o.deps.Metrics.IncCounter("tasks_submitted_total")
	o.deps.Metrics.SetQueueLength(int64(len(o.queue)))

	o.log.Info(ctx, "task queued", map[string]any{
		"task_id":   snap.ID,
		"url":       snap.CanonicalURL,
		"format_id": formatID,
	})
	return snap, nil
}

// Get returns the current snapshot of id without taking any lock on the task.
func (o *Orchestrator) Get(id string) (Snapshot, error) {
	t, ok := o.lookup(id)
	if !ok {
		return Snapshot{}, apperrors.NotFound("task")
	}
	return t.load(), nil
}

// List returns every retained task, newest first.
func (o *Orchestrator) List() []Snapshot {
	o.mu.RLock()
	out := make([]Snapshot, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.load())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cooperative cancellation. A queued task is cancelled at once;
// a running task is cancelled by its worker, which removes partial output.
func (o *Orchestrator) Cancel(id string) (Snapshot, error) {
	t, ok := o.lookup(id)
	if !ok {
		return Snapshot{}, apperrors.NotFound("task")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	if cur.State.Terminal() {
		return cur, apperrors.AlreadyTerminal(string(cur.State))
	}

	t.cancelled.Store(true)
	if cur.State == StateQueued {
		return o.transitionLocked(t, StateCancelled, func(s *Snapshot) {
			s.Detail = "cancelled before start"
		}), nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	return cur, nil
}

func (o *Orchestrator) lookup(id string) (*task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	return t, ok
}

// worker is the main loop for a single worker
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			return
		case t := <-o.queue:
			o.deps.Metrics.SetQueueLength(int64(len(o.queue)))
			o.run(id, t)
		}
	}
}

// transitionLocked publishes a new snapshot derived from the current one.
// Invalid transitions are dropped. Callers hold t.mu.
func (o *Orchestrator) transitionLocked(t *task, next State, mutate func(*Snapshot)) Snapshot {
	cur := t.load()
	if !cur.State.CanTransition(next) {
		return cur
	}

	upd := cur
	upd.State = next
	if mutate != nil {
		mutate(&upd)
	}
	// progress never moves backwards
	upd.Progress = max(upd.Progress, cur.Progress)
	if next.Terminal() {
		upd.FinishedAt = o.deps.Now().UTC()
		upd.ETASeconds = nil
		upd.Speed = ""
	} else {
		upd.Progress = min(upd.Progress, maxRunningProgress)
	}
	upd.UpdatedAt = o.deps.Now().UTC()

	t.snap.Store(&upd)
	t.lastPublish = upd.UpdatedAt
	o.publish(upd)
	return upd
}

func (o *Orchestrator) transition(t *task, next State, mutate func(*Snapshot)) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return o.transitionLocked(t, next, mutate)
}

// reportProgress records a progress sample for the current state, coalescing
// bursts of small updates.
func (o *Orchestrator) reportProgress(t *task, percent float64, eta *int, speed string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	if !cur.State.Active() {
		return
	}
	percent = min(max(percent, cur.Progress), maxRunningProgress)
	if percent-cur.Progress < 1 && o.deps.Now().Sub(t.lastPublish) < progressInterval {
		return
	}
	o.transitionLocked(t, cur.State, func(s *Snapshot) {
		s.Progress = percent
		s.ETASeconds = eta
		if speed != "" {
			s.Speed = speed
		}
	})
}

func (o *Orchestrator) publish(s Snapshot) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, fn := range o.listeners {
		fn(s)
	}
}

// run executes the fallback chain of t on the calling worker.
func (o *Orchestrator) run(workerID int, t *task) {
	t.mu.Lock()
	if t.load().State != StateQueued {
		t.mu.Unlock()
		return
	}
	if o.baseCtx.Err() != nil {
		o.transitionLocked(t, StateCancelled, func(s *Snapshot) {
			s.Detail = "cancelled by server shutdown"
		})
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	t.cancel = cancel
	snap := o.transitionLocked(t, StateRunning, func(s *Snapshot) {
		s.Detail = "starting"
	})
	t.mu.Unlock()

	ctx = logger.WithTaskID(ctx, snap.ID)
	if t.requestID != "" {
		ctx = logger.WithRequestID(ctx, t.requestID)
	}
	started := o.deps.Now()
	o.updateActive(1)
	defer o.updateActive(-1)

	chain := BuildChain(snap.RequestedFormatID, t.meta, o.cfg.Profiles, o.canMerge())
	workDir := o.workDir(snap.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		final := o.transition(t, StateFailed, func(s *Snapshot) {
			s.Detail = "cannot create work directory: " + err.Error()
			s.Error = apperrors.CodeStorageError
		})
		o.deps.Metrics.IncCounter("tasks_total", "state", string(final.State))
		o.log.Error(ctx, "failed to create work directory", err, map[string]any{"task_id": snap.ID, "path": workDir})
		return
	}
	defer func() {
		if err := removeAll(workDir); err != nil {
			o.log.Warn(ctx, "failed to remove work directory", map[string]any{"path": workDir, "error": err.Error()})
		}
	}()

	o.log.Info(ctx, "task started", map[string]any{
		"task_id":    snap.ID,
		"worker":     workerID,
		"strategies": len(chain),
	})

	final := o.execute(ctx, t, chain, workDir)
	o.deps.Metrics.IncCounter("tasks_total", "state", string(final.State))
	o.deps.Metrics.Observe("task_duration_seconds", o.deps.Now().Sub(started).Seconds(), "state", string(final.State))

	fields := map[string]any{
		"task_id":  final.ID,
		"state":    string(final.State),
		"strategy": final.ResolvedStrategy,
		"attempts": final.Attempts,
	}
	if final.State == StateFailed {
		fields["detail"] = final.Detail
		o.log.Warn(ctx, "task failed", fields)
		return
	}
	o.log.Info(ctx, "task "+string(final.State), fields)
}

// execute walks the chain until a strategy succeeds, the chain is exhausted,
// a merge fails, or the task is cancelled.
func (o *Orchestrator) execute(ctx context.Context, t *task, chain []Strategy, workDir string) Snapshot {
	var lastErr error
	var lastKind StrategyKind

	for i, s := range chain {
		if ctx.Err() != nil {
			return o.cancelled(t)
		}

		o.transition(t, StateRunning, func(snap *Snapshot) {
			snap.Attempts = i + 1
			snap.Detail = fmt.Sprintf("attempt %d/%d: %s", i+1, len(chain), describe(s))
		})

		output, err := o.attempt(ctx, t, s, i, workDir)
		if err == nil {
			err = o.finalize(ctx, t, s, output)
			if err == nil {
				o.deps.Metrics.IncCounter("strategy_attempts_total", "kind", s.Kind.String(), "result", "success")
				return t.load()
			}
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return o.cancelled(t)
		}
		o.deps.Metrics.IncCounter("strategy_attempts_total", "kind", s.Kind.String(), "result", "failure")

		if apperrors.HasCode(err, apperrors.CodeMergeFailure) {
			return o.transition(t, StateFailed, func(snap *Snapshot) {
				snap.Detail = "merge failed: " + errorMessage(err)
				snap.Error = apperrors.CodeMergeFailure
			})
		}

		o.log.Warn(ctx, "strategy failed", map[string]any{
			"task_id":  t.load().ID,
			"strategy": s.Kind.String(),
			"profile":  s.Profile,
			"error":    errorMessage(err),
		})
		lastErr, lastKind = err, s.Kind
	}

	return o.transition(t, StateFailed, func(snap *Snapshot) {
		snap.Detail = fmt.Sprintf("all %d strategies failed; last (%s): %s", len(chain), lastKind, errorMessage(lastErr))
		snap.Error = errorCode(lastErr)
	})
}

func (o *Orchestrator) cancelled(t *task) Snapshot {
	return o.transition(t, StateCancelled, func(s *Snapshot) {
		if t.cancelled.Load() {
			s.Detail = "cancelled by request"
		} else {
			s.Detail = "cancelled by server shutdown"
		}
	})
}

// canMerge reports whether merge strategies can run at all.
func (o *Orchestrator) canMerge() bool {
	return o.deps.Muxer != nil && o.deps.Muxer.Available()
}

func (o *Orchestrator) updateActive(delta int64) {
	o.mu.Lock()
	o.active += delta
	n := o.active
	o.mu.Unlock()
	o.deps.Metrics.SetActiveTasks(n)
}

func describe(s Strategy) string {
	switch {
	case s.Merges() && s.Kind == ClientReprofile:
		return fmt.Sprintf("%s %s+%s via %s", s.Kind, s.FormatID, s.AudioFormatID, s.Profile)
	case s.Kind == ClientReprofile:
		return fmt.Sprintf("%s %s via %s", s.Kind, s.FormatID, s.Profile)
	case s.Merges():
		return fmt.Sprintf("%s %s+%s", s.Kind, s.FormatID, s.AudioFormatID)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.FormatID)
}

// errorMessage renders err for users: the AppError message when present.
func errorMessage(err error) string {
	if err == nil {
		return "no strategy available"
	}
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

func errorCode(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Code
	}
	return apperrors.CodeExtractionError
}
