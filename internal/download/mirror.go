package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/metrics"
)

const (
	// Redis key prefixes
	keyTaskSnapshot = "mediafetch:task:"
	keyTaskEvents   = "mediafetch:task-events"

	mirrorWriteTimeout = 5 * time.Second
)

// Mirror copies task snapshots into Redis and publishes them on a pub/sub
// channel, so status polls and progress streams work from any instance.
// Writes are coalesced per task: only the newest pending snapshot is written.
type Mirror struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	pending map[string]Snapshot
	order   []string
	notify  chan struct{}
}

// NewMirror creates a mirror keeping snapshots for ttl after their last update.
func NewMirror(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *Mirror {
	if m == nil {
		m = metrics.Default()
	}
	return &Mirror{
		client:  client,
		ttl:     ttl,
		metrics: m,
		log:     logger.Default().WithComponent("mirror"),
		pending: make(map[string]Snapshot),
		notify:  make(chan struct{}, 1),
	}
}

// Listener returns the hook to register with Orchestrator.Subscribe. It never blocks.
func (m *Mirror) Listener() Listener {
	return func(s Snapshot) {
		m.mu.Lock()
		if _, queued := m.pending[s.ID]; !queued {
			m.order = append(m.order, s.ID)
		}
		m.pending[s.ID] = s
		m.mu.Unlock()

		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
}

// Run writes pending snapshots until ctx is done, then flushes what is left.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
			m.flush(flushCtx)
			cancel()
			return
		case <-m.notify:
			m.flush(ctx)
		}
	}
}

func (m *Mirror) take() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id])
	}
	m.pending = make(map[string]Snapshot)
	m.order = m.order[:0]
	return out
}

func (m *Mirror) flush(ctx context.Context) {
	batch := m.take()
	if len(batch) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()

	_, err := m.client.Pipelined(wctx, func(pipe redis.Pipeliner) error {
		for _, s := range batch {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("failed to marshal snapshot: %w", err)
			}
			pipe.Set(wctx, keyTaskSnapshot+s.ID, data, m.ttl)
			pipe.Publish(wctx, keyTaskEvents, data)
		}
		return nil
	})
	if err != nil {
		m.metrics.AddCounter("events_published_total", uint64(len(batch)), "result", "failure")
		m.log.Warn(ctx, "failed to mirror task snapshots", map[string]any{
			"count": len(batch),
			"error": err.Error(),
		})
		return
	}
	m.metrics.AddCounter("events_published_total", uint64(len(batch)), "result", "success")
}

// Lookup returns the mirrored snapshot for id.
func (m *Mirror) Lookup(ctx context.Context, id string) (Snapshot, error) {
	data, err := m.client.Get(ctx, keyTaskSnapshot+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, apperrors.NotFound("task")
		}
		return Snapshot{}, fmt.Errorf("failed to get task snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal task snapshot: %w", err)
	}
	return s, nil
}

// Subscribe subscribes to snapshots published by every instance
func (m *Mirror) Subscribe(ctx context.Context) *EventSubscription {
	pubsub := m.client.Subscribe(ctx, keyTaskEvents)
	return &EventSubscription{pubsub: pubsub, ch: pubsub.Channel(), done: make(chan struct{})}
}

// EventSubscription wraps a Redis pub/sub subscription for task snapshots
type EventSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message

	outOnce   sync.Once
	out       chan Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

// Channel returns a channel that receives task snapshots. It is closed when
// the subscription is closed, even if nobody is reading.
func (s *EventSubscription) Channel() <-chan Snapshot {
	s.outOnce.Do(func() {
		s.out = make(chan Snapshot)
		go s.forward()
	})
	return s.out
}

func (s *EventSubscription) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			select {
			case s.out <- snap:
			case <-s.done:
				return
			}
		}
	}
}

// Close closes the subscription and stops delivery on Channel.
func (s *EventSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
