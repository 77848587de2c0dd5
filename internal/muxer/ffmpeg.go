// Package muxer merges separately downloaded video and audio streams.
package muxer

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// Muxer defines the interface for media muxing operations.
type Muxer interface {
	Available() bool
	Merge(ctx context.Context, videoPath, audioPath, outputPath string, progress func(pct float64)) error
}

// FFmpeg implements Muxer using the ffmpeg command line tool.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
	// Env is appended to the subprocess environment.
	Env []string
}

// NewFFmpeg returns an FFmpeg muxer. An empty path looks up "ffmpeg" in PATH.
func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Timeout: timeout}
}

// Available checks if ffmpeg is executable.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.Path)
	return err == nil
}

// Merge copies the first video stream of videoPath and the first audio stream
// of audioPath into outputPath without re-encoding. outputPath is removed on failure.
func (f *FFmpeg) Merge(ctx context.Context, videoPath, audioPath, outputPath string, progress func(pct float64)) error {
	return f.mergeWithPrefix(ctx, nil, videoPath, audioPath, outputPath, progress)
}

func (f *FFmpeg) mergeWithPrefix(ctx context.Context, prefix []string, videoPath, audioPath, outputPath string, progress func(pct float64)) error {
	runCtx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	args := append(slices.Clone(prefix),
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	)

	cmd := exec.CommandContext(runCtx, f.Path, args...)
	cmd.WaitDelay = 5 * time.Second
	if len(f.Env) > 0 {
		cmd.Env = append(os.Environ(), f.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.MergeFailure("failed to create stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.MergeFailure("failed to create stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return apperrors.MergeFailure("failed to start ffmpeg").WithCause(err)
	}

	// Input duration in microseconds, read from ffmpeg's banner on stderr.
	var durationUs atomic.Int64
	var tail []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if d, ok := parseDuration(line); ok && durationUs.Load() == 0 {
				durationUs.Store(d.Microseconds())
			}
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		out, ok := parseOutTime(scanner.Text())
		if !ok || progress == nil {
			continue
		}
		if total := durationUs.Load(); total > 0 {
			progress(min(100, float64(out.Microseconds())*100/float64(total)))
		}
	}

	wg.Wait()
	waitErr := cmd.Wait()
	if waitErr == nil {
		if progress != nil {
			progress(100)
		}
		return nil
	}

	_ = os.Remove(outputPath)

	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return apperrors.MergeFailure("merge timed out").WithCause(runCtx.Err())
	}
	return apperrors.MergeFailure(mergeMessage(waitErr, tail)).WithCause(waitErr)
}

func mergeMessage(err error, tail []string) string {
	msg := "ffmpeg exited with " + err.Error()
	if n := len(tail); n > 0 {
		msg += ": " + strings.TrimSpace(tail[n-1])
	}
	return msg
}

var durationLine = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseDuration reads "Duration: 00:03:32.12" from ffmpeg's input banner.
func parseDuration(line string) (time.Duration, bool) {
	m := durationLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.ParseFloat(m[3], 64)
	d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs*float64(time.Second))
	return d, d > 0
}

// parseOutTime reads the out_time_us (or legacy out_time_ms, also in
// microseconds) key from a -progress stream line.
func parseOutTime(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Microsecond, true
}
