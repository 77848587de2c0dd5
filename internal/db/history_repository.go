package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mediafetch/mediafetch/internal/download"
)

var ErrHistoryNotFound = errors.New("history entry not found")

// HistoryEntry is the persisted summary of a terminal task.
type HistoryEntry struct {
	TaskID            string    `json:"task_id"`
	URL               string    `json:"url"`
	CanonicalURL      string    `json:"canonical_url"`
	Platform          string    `json:"platform"`
	Title             string    `json:"title,omitempty"`
	RequestedFormatID string    `json:"requested_format_id"`
	State             string    `json:"state"`
	ResolvedStrategy  string    `json:"resolved_strategy,omitempty"`
	Error             string    `json:"error,omitempty"`
	Filename          string    `json:"filename,omitempty"`
	SizeBytes         int64     `json:"size_bytes,omitempty"`
	ObjectKey         string    `json:"object_key,omitempty"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"created_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// EntryFromSnapshot flattens a terminal snapshot into a history row.
func EntryFromSnapshot(s download.Snapshot) HistoryEntry {
	e := HistoryEntry{
		TaskID:            s.ID,
		URL:               s.URL,
		CanonicalURL:      s.CanonicalURL,
		Platform:          s.Platform,
		Title:             s.Title,
		RequestedFormatID: s.RequestedFormatID,
		State:             string(s.State),
		ResolvedStrategy:  s.ResolvedStrategy,
		Error:             s.Error,
		Attempts:          s.Attempts,
		CreatedAt:         s.CreatedAt,
		FinishedAt:        s.FinishedAt,
	}
	if s.Result != nil {
		e.Filename = s.Result.Filename
		e.SizeBytes = s.Result.Size
		e.ObjectKey = s.Result.ObjectKey
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = s.UpdatedAt
	}
	return e
}

// HistoryQueryOptions filters Recent.
type HistoryQueryOptions struct {
	Limit    int
	Offset   int
	State    string
	Platform string
}

type HistoryRepository struct {
	db *DB
}

func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record upserts e keyed by task id.
func (r *HistoryRepository) Record(ctx context.Context, e HistoryEntry) error {
	query := `
		INSERT INTO task_history (
			task_id, url, canonical_url, platform, title, requested_format_id, state,
			resolved_strategy, error, filename, size_bytes, object_key, attempts,
			created_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			resolved_strategy = EXCLUDED.resolved_strategy,
			error = EXCLUDED.error,
			filename = EXCLUDED.filename,
			size_bytes = EXCLUDED.size_bytes,
			object_key = EXCLUDED.object_key,
			attempts = EXCLUDED.attempts,
			finished_at = EXCLUDED.finished_at
	`

	_, err := r.db.ExecContext(ctx, query,
		e.TaskID, e.URL, e.CanonicalURL, e.Platform, e.Title, e.RequestedFormatID, e.State,
		e.ResolvedStrategy, e.Error, e.Filename, e.SizeBytes, e.ObjectKey, e.Attempts,
		e.CreatedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task %s: %w", e.TaskID, err)
	}
	return nil
}

func (r *HistoryRepository) Get(ctx context.Context, taskID string) (*HistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM task_history
		WHERE task_id = $1
	`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}
		return nil, err
	}
	return e, nil
}

// Recent returns entries newest first along with the total matching count.
func (r *HistoryRepository) Recent(ctx context.Context, opts HistoryQueryOptions) ([]HistoryEntry, int, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where := "WHERE ($1 = '' OR state = $1) AND ($2 = '' OR platform = $2)"

	var total int
	countQuery := `SELECT COUNT(*) FROM task_history ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, opts.State, opts.Platform).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	query := `
		SELECT ` + historyColumns + `
		FROM task_history
		` + where + `
		ORDER BY finished_at DESC, task_id
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, opts.State, opts.Platform, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// DeleteBefore removes entries that finished before cutoff.
func (r *HistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_history WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const historyColumns = `task_id, url, canonical_url, platform, title, requested_format_id, state,
		resolved_strategy, error, filename, size_bytes, object_key, attempts, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*HistoryEntry, error) {
	e := &HistoryEntry{}
	err := s.Scan(
		&e.TaskID, &e.URL, &e.CanonicalURL, &e.Platform, &e.Title, &e.RequestedFormatID, &e.State,
		&e.ResolvedStrategy, &e.Error, &e.Filename, &e.SizeBytes, &e.ObjectKey, &e.Attempts,
		&e.CreatedAt, &e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
