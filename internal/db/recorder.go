package db

import (
	"context"
	"sync"

	"github.com/mediafetch/mediafetch/internal/download"
	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/metrics"
)

// HistoryWriter is the subset of HistoryRepository the Recorder needs.
type HistoryWriter interface {
	Record(ctx context.Context, e HistoryEntry) error
}

// Recorder persists terminal task snapshots in the background. Listener never
// blocks the caller.
type Recorder struct {
	repo    HistoryWriter
	metrics *metrics.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	pending []HistoryEntry
	wake    chan struct{}
}

func NewRecorder(repo HistoryWriter, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.Default()
	}
	return &Recorder{
		repo:    repo,
		metrics: m,
		log:     logger.Default().WithComponent("history"),
		wake:    make(chan struct{}, 1),
	}
}

// Listener returns an orchestrator listener that queues terminal snapshots.
func (r *Recorder) Listener() download.Listener {
	return func(s download.Snapshot) {
		if !s.State.Terminal() {
			return
		}
		r.mu.Lock()
		r.pending = append(r.pending, EntryFromSnapshot(s))
		r.mu.Unlock()
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Run writes queued entries until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, e := range batch {
		err := apperrors.Retry(ctx, apperrors.StorageRetryConfig(), func(ctx context.Context) error {
			if err := r.repo.Record(ctx, e); err != nil {
				return apperrors.StorageError("history write failed").WithCause(err)
			}
			return nil
		})
		if err != nil {
			r.metrics.IncCounter("history_writes_total", "result", "failure")
			r.log.Error(ctx, "failed to record task history", err, map[string]any{"task_id": e.TaskID})
			continue
		}
		r.metrics.IncCounter("history_writes_total", "result", "success")
	}
}
