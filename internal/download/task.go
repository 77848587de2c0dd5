package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediafetch/mediafetch/internal/media"
)

// Result describes the finished artifact
type Result struct {
	Path      string `json:"-"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size_bytes"`
	ObjectKey string `json:"object_key,omitempty"`
}

// Snapshot is an immutable view of a task. Readers never see a snapshot change.
type Snapshot struct {
	ID                string    `json:"task_id"`
	URL               string    `json:"url"`
	Platform          string    `json:"platform"`
	CanonicalURL      string    `json:"canonical_url"`
	Title             string    `json:"title,omitempty"`
	RequestedFormatID string    `json:"requested_format_id"`
	State             State     `json:"state"`
	ResolvedStrategy  string    `json:"resolved_strategy,omitempty"`
	Progress          float64   `json:"progress_percent"`
	ETASeconds        *int      `json:"eta_seconds"`
	Speed             string    `json:"speed,omitempty"`
	Detail            string    `json:"detail,omitempty"`
	Result            *Result   `json:"result,omitempty"`
	Error             string    `json:"error,omitempty"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	FinishedAt        time.Time `json:"finished_at,omitzero"`
}

// task is the orchestrator-owned record behind a Snapshot
type task struct {
	snap atomic.Pointer[Snapshot]

	// mu serializes mutations; reads go through snap only.
	mu          sync.Mutex
	meta        *media.MediaMetadata
	filename    string
	requestID   string
	cancel      context.CancelFunc
	cancelled   atomic.Bool
	lastPublish time.Time
}

func (t *task) load() Snapshot {
	return *t.snap.Load()
}
