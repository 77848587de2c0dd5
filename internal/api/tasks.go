package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mediafetch/mediafetch/internal/db"
	"github.com/mediafetch/mediafetch/internal/download"
	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/storage"
	"github.com/mediafetch/mediafetch/internal/stream"
)

const (
	maxBodyBytes = 64 << 10
	presignTTL   = 15 * time.Minute
)

// DownloadRequest is the body of POST /download
type DownloadRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
	Platform string `json:"platform,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// DownloadResponse is returned when a task is accepted
type DownloadResponse struct {
	TaskID string         `json:"task_id"`
	State  download.State `json:"state"`
}

// HistoryResponse is the body of GET /tasks/history
type HistoryResponse struct {
	Entries []db.HistoryEntry `json:"entries"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// postDownload handles POST /download
func (r *Router) postDownload(w http.ResponseWriter, req *http.Request) error {
	var body DownloadRequest
	if err := decodeJSON(w, req, &body); err != nil {
		return err
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		return apperrors.Validation("url is required")
	}

	snap, err := r.deps.Tasks.Submit(req.Context(), download.Request{
		URL:      body.URL,
		FormatID: strings.TrimSpace(body.FormatID),
		Platform: body.Platform,
		Filename: body.Filename,
	})
	if err != nil {
		return err
	}

	r.accepted(w, req, snap)
	return nil
}

func (r *Router) accepted(w http.ResponseWriter, req *http.Request, snap download.Snapshot) {
	w.Header().Set("Location", "/task/"+snap.ID)
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusAccepted, DownloadResponse{
		TaskID: snap.ID,
		State:  snap.State,
	})
}

// getTask handles GET /task/{id}
func (r *Router) getTask(w http.ResponseWriter, req *http.Request) error {
	snap, err := r.findTask(req, req.PathValue("id"))
	if err != nil {
		return err
	}
	w.Header().Set("Cache-Control", "no-store")
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, snap)
	return nil
}

// findTask looks in this instance first, then the shared mirror, then the
// persisted history.
func (r *Router) findTask(req *http.Request, id string) (download.Snapshot, error) {
	snap, err := r.deps.Tasks.Get(id)
	if err == nil || !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return snap, err
	}

	if r.deps.Mirror != nil {
		snap, err := r.deps.Mirror.Lookup(req.Context(), id)
		if err == nil {
			return snap, nil
		}
		if !apperrors.HasCode(err, apperrors.CodeNotFound) {
			r.log.Warn(req.Context(), "task mirror lookup failed", map[string]any{"task_id": id, "error": err.Error()})
		}
	}

	if r.deps.History != nil {
		entry, err := r.deps.History.Get(req.Context(), id)
		if err == nil {
			return snapshotFromHistory(entry), nil
		}
		if !errors.Is(err, db.ErrHistoryNotFound) {
			r.log.Warn(req.Context(), "task history lookup failed", map[string]any{"task_id": id, "error": err.Error()})
		}
	}

	return download.Snapshot{}, apperrors.NotFound("task")
}

func snapshotFromHistory(e *db.HistoryEntry) download.Snapshot {
	s := download.Snapshot{
		ID:                e.TaskID,
		URL:               e.URL,
		Platform:          e.Platform,
		CanonicalURL:      e.CanonicalURL,
		Title:             e.Title,
		RequestedFormatID: e.RequestedFormatID,
		State:             download.State(e.State),
		ResolvedStrategy:  e.ResolvedStrategy,
		Error:             e.Error,
		Attempts:          e.Attempts,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.FinishedAt,
		FinishedAt:        e.FinishedAt,
	}
	if s.State == download.StateFinished {
		s.Progress = 100
	}
	if e.Filename != "" {
		s.Result = &download.Result{Filename: e.Filename, Size: e.SizeBytes, ObjectKey: e.ObjectKey}
	}
	return s
}

// deleteTask handles DELETE /task/{id}
func (r *Router) deleteTask(w http.ResponseWriter, req *http.Request) error {
	snap, err := r.deps.Tasks.Cancel(req.PathValue("id"))
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, snap)
	return nil
}

// listTasks handles GET /tasks[?state=S]
func (r *Router) listTasks(w http.ResponseWriter, req *http.Request) error {
	state := download.State(req.URL.Query().Get("state"))
	tasks := []download.Snapshot{}
	for _, s := range r.deps.Tasks.List() {
		if state == "" || s.State == state {
			tasks = append(tasks, s)
		}
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
	return nil
}

// listHistory handles GET /tasks/history?limit&offset&state&platform
func (r *Router) listHistory(w http.ResponseWriter, req *http.Request) error {
	if r.deps.History == nil {
		return apperrors.ServiceUnavailable("task history is not configured")
	}

	q := req.URL.Query()
	opts := db.HistoryQueryOptions{
		Limit:    queryInt(q.Get("limit"), 50),
		Offset:   queryInt(q.Get("offset"), 0),
		State:    q.Get("state"),
		Platform: q.Get("platform"),
	}

	entries, total, err := r.deps.History.Recent(req.Context(), opts)
	if err != nil {
		return apperrors.StorageError("failed to read task history").WithCause(err)
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, HistoryResponse{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
	return nil
}

// getFile handles GET /files/{id}: the finished artifact of a task, with
// Range support. Remote objects that can be presigned are redirected.
func (r *Router) getFile(w http.ResponseWriter, req *http.Request) error {
	snap, err := r.findTask(req, req.PathValue("id"))
	if err != nil {
		return err
	}
	if snap.State != download.StateFinished || snap.Result == nil {
		return apperrors.NotFound("file")
	}

	key := snap.ID + "/" + snap.Result.Filename
	if _, err := r.deps.Files.Stat(req.Context(), key); err == nil || snap.Result.ObjectKey == "" || r.deps.Objects == nil {
		return stream.Serve(w, req, r.deps.Files, key, snap.Result.Filename)
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn(req.Context(), "local artifact stat failed", map[string]any{"task_id": snap.ID, "error": err.Error()})
	}

	if p, ok := r.deps.Objects.(storage.Presigner); ok {
		u, err := p.PresignGet(req.Context(), snap.Result.ObjectKey, snap.Result.Filename, presignTTL)
		if err == nil {
			http.Redirect(w, req, u, http.StatusFound)
			return nil
		}
		r.log.Warn(req.Context(), "presign failed, streaming instead", map[string]any{"task_id": snap.ID, "error": err.Error()})
	}
	return stream.Serve(w, req, r.deps.Objects, snap.Result.ObjectKey, snap.Result.Filename)
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.BadRequest("request body is required")
		}
		return apperrors.BadRequest("invalid request body").WithCause(err)
	}
	return nil
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
