package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/media"
)

// attempt runs one strategy inside workDir and returns the produced file.
func (o *Orchestrator) attempt(ctx context.Context, t *task, s Strategy, idx int, workDir string) (string, error) {
	snap := t.load()

	if !s.Merges() {
		dest := filepath.Join(workDir, fmt.Sprintf("part-%d.%s", idx, extOr(s.Ext, "bin")))
		err := o.fetch(ctx, t, extractor.FetchRequest{
			URL:            snap.CanonicalURL,
			FormatSelector: s.Selector(),
			Profile:        s.Profile,
			Dest:           dest,
		}, 0, maxRunningProgress)
		return dest, err
	}

	videoExt, audioExt := "mp4", "m4a"
	if f, ok := t.meta.Format(s.FormatID); ok {
		videoExt = extOr(f.Ext, videoExt)
	}
	if f, ok := t.meta.Format(s.AudioFormatID); ok {
		audioExt = extOr(f.Ext, audioExt)
	}
	video := filepath.Join(workDir, fmt.Sprintf("part-%d-video.%s", idx, videoExt))
	audio := filepath.Join(workDir, fmt.Sprintf("part-%d-audio.%s", idx, audioExt))

	if err := o.fetch(ctx, t, extractor.FetchRequest{
		URL:            snap.CanonicalURL,
		FormatSelector: selectorFor(s.FormatID),
		Profile:        s.Profile,
		Dest:           video,
	}, 0, 60); err != nil {
		return "", err
	}
	if err := o.fetch(ctx, t, extractor.FetchRequest{
		URL:            snap.CanonicalURL,
		FormatSelector: selectorFor(s.AudioFormatID),
		Profile:        s.Profile,
		Dest:           audio,
	}, 60, mergeFloor); err != nil {
		return "", err
	}

	out := filepath.Join(workDir, fmt.Sprintf("part-%d.%s", idx, extOr(s.Ext, "mkv")))
	return out, o.merge(ctx, t, video, audio, out)
}

// fetch runs one transfer under its own timeout, mapping engine progress
// into [lo, hi] of the task's overall progress.
func (o *Orchestrator) fetch(ctx context.Context, t *task, req extractor.FetchRequest, lo, hi float64) error {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	defer cancel()

	err := o.deps.Engine.Fetch(fctx, req, func(p extractor.Progress) {
		if t.cancelled.Load() {
			cancel()
			return
		}
		var eta *int
		if p.HasETA {
			n := int(p.ETA.Seconds())
			eta = &n
		}
		o.reportProgress(t, lo+(hi-lo)*p.Percent/100, eta, p.Speed)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) && !apperrors.HasCode(err, apperrors.CodeTransferTimeout) {
		return apperrors.TransferTimeout("transfer").WithCause(err)
	}
	return err
}

// merge moves the task to Merging and runs the muxer. Without progress from
// the muxer the task advances by a fixed step per tick.
func (o *Orchestrator) merge(ctx context.Context, t *task, video, audio, out string) error {
	o.transition(t, StateMerging, func(s *Snapshot) {
		s.Progress = max(s.Progress, mergeFloor)
		s.ETASeconds = nil
		s.Speed = ""
		s.Detail = "merging video and audio"
	})

	var reported atomic.Bool
	tickCtx, stopTicking := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.MergeTick)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if !reported.Load() {
					o.reportProgress(t, t.load().Progress+mergeStep, nil, "")
				}
			}
		}
	}()

	start := o.deps.Now()
	err := o.deps.Muxer.Merge(ctx, video, audio, out, func(pct float64) {
		reported.Store(true)
		o.reportProgress(t, mergeFloor+(maxRunningProgress-mergeFloor)*pct/100, nil, "")
	})
	stopTicking()
	wg.Wait()

	result := "success"
	if err != nil {
		result = "failure"
	}
	o.deps.Metrics.Observe("merge_duration_seconds", o.deps.Now().Sub(start).Seconds(), "result", result)
	return err
}

// finalize uploads the artifact when a store is configured, then renames it
// into the download directory and marks the task Finished. Both the rename and
// the transition happen under t.mu so a concurrent Cancel either wins before
// any file appears at the final path or observes the finished task.
func (o *Orchestrator) finalize(ctx context.Context, t *task, s Strategy, output string) error {
	info, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("artifact missing: %w", err)
	}

	snap := t.load()
	ext := strings.TrimPrefix(filepath.Ext(output), ".")
	name := o.outputName(t, snap, ext)

	objectKey := o.upload(ctx, snap.ID+"/"+name, output, ext)

	t.mu.Lock()
	if t.cancelled.Load() || ctx.Err() != nil {
		t.mu.Unlock()
		o.deleteObject(objectKey)
		return context.Canceled
	}

	finalDir := o.finalDir(snap.ID)
	finalPath := filepath.Join(finalDir, name)
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		t.mu.Unlock()
		o.deleteObject(objectKey)
		return fmt.Errorf("create download directory: %w", err)
	}
	if err := moveFile(output, finalPath); err != nil {
		t.mu.Unlock()
		o.deleteObject(objectKey)
		return fmt.Errorf("move artifact into place: %w", err)
	}

	o.transitionLocked(t, StateFinished, func(snap *Snapshot) {
		snap.Progress = 100
		snap.ResolvedStrategy = s.Kind.String()
		snap.Detail = "finished"
		snap.Result = &Result{
			Path:      finalPath,
			Filename:  name,
			Size:      info.Size(),
			ObjectKey: objectKey,
		}
	})
	t.mu.Unlock()
	return nil
}

// upload copies the artifact to the configured store and returns its key, or
// "" when no store is configured or the upload failed. Upload failures leave
// the local artifact as the only copy.
func (o *Orchestrator) upload(ctx context.Context, key, path, ext string) string {
	if o.deps.Store == nil {
		return ""
	}

	err := apperrors.Retry(ctx, apperrors.StorageRetryConfig(), func(ctx context.Context) error {
		return o.deps.Store.Put(ctx, key, path, media.ContentType(ext))
	})
	if err != nil {
		o.deps.Metrics.IncCounter("storage_uploads_total", "result", "failure")
		o.log.Warn(ctx, "artifact upload failed", map[string]any{"key": key, "error": err.Error()})
		return ""
	}
	o.deps.Metrics.IncCounter("storage_uploads_total", "result", "success")
	return key
}

func (o *Orchestrator) deleteObject(key string) {
	if key == "" || o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.deps.Store.Delete(ctx, key); err != nil {
		o.log.Warn(ctx, "failed to delete stored artifact", map[string]any{"key": key, "error": err.Error()})
	}
}

func (o *Orchestrator) outputName(t *task, snap Snapshot, ext string) string {
	if t.filename != "" {
		return media.SafeFilename(strings.TrimSuffix(t.filename, filepath.Ext(t.filename)), ext)
	}
	return media.SafeFilename(snap.Title, ext)
}

func (o *Orchestrator) workDir(id string) string {
	base := o.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, id)
}

func (o *Orchestrator) finalDir(id string) string {
	return filepath.Join(o.cfg.DownloadDir, id)
}

// janitor periodically removes tasks past their retention window
func (o *Orchestrator) janitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// Sweep removes terminal tasks that finished more than Retention ago together
// with their artifacts, and returns how many were removed.
func (o *Orchestrator) Sweep() int {
	cutoff := o.deps.Now().Add(-o.cfg.Retention)

	var expired []Snapshot
	o.mu.Lock()
	for id, t := range o.tasks {
		snap := t.load()
		if snap.State.Terminal() && snap.FinishedAt.Before(cutoff) {
			expired = append(expired, snap)
			delete(o.tasks, id)
		}
	}
	o.mu.Unlock()

	for _, snap := range expired {
		if err := removeAll(o.finalDir(snap.ID)); err != nil {
			o.log.Warn(context.Background(), "failed to remove artifact", map[string]any{"task_id": snap.ID, "error": err.Error()})
		}
		if snap.Result != nil {
			o.deleteObject(snap.Result.ObjectKey)
		}
	}

	if len(expired) > 0 {
		o.deps.Metrics.AddCounter("janitor_removed_tasks_total", uint64(len(expired)))
		o.log.Debug(context.Background(), "expired tasks removed", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

func removeAll(path string) error {
	if path == "" || path == "." || path == string(filepath.Separator) {
		return nil
	}
	return os.RemoveAll(path)
}

// moveFile renames src to dst, copying through a sibling temp file when the
// two live on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func extOr(ext, fallback string) string {
	if ext == "" {
		return fallback
	}
	return ext
}
