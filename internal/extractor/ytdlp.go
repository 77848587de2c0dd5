package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
)

// Config holds configuration for the yt-dlp engine
type Config struct {
	// YtdlpPath is the path to the yt-dlp binary (default: "yt-dlp")
	YtdlpPath string
	// SocketTimeout bounds each network read inside the engine
	SocketTimeout time.Duration
	// Retries is passed through to the engine for transient HTTP errors
	Retries int
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:     "yt-dlp",
		SocketTimeout: 30 * time.Second,
		Retries:       3,
	}
}

// YtDlp runs yt-dlp as a subprocess per call.
type YtDlp struct {
	cfg *Config
	log *logger.Logger
}

// New creates a yt-dlp engine. The binary must be on PATH or at cfg.YtdlpPath.
func New(cfg *Config) (*YtDlp, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if _, err := exec.LookPath(cfg.YtdlpPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, cfg.YtdlpPath)
	}
	return &YtDlp{cfg: cfg, log: logger.Default().WithComponent("extractor")}, nil
}

// Version returns the engine's version string.
func (y *YtDlp) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, y.cfg.YtdlpPath, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (y *YtDlp) baseArgs(profile string) []string {
	args := []string{
		"--no-warnings",
		"--no-playlist",
		"--socket-timeout", strconv.Itoa(int(y.cfg.SocketTimeout.Seconds())),
		"--retries", strconv.Itoa(y.cfg.Retries),
	}
	if profile != "" && profile != ProfileDefault {
		args = append(args, "--extractor-args", "youtube:player_client="+profile)
	}
	return args
}

// Extract retrieves raw metadata for sourceURL without downloading.
func (y *YtDlp) Extract(ctx context.Context, sourceURL, profile string) (*media.RawInfo, error) {
	args := append(y.baseArgs(profile), "--dump-single-json", "--", sourceURL)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.cfg.YtdlpPath, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	output, err := cmd.Output()
	if err != nil {
		y.log.Debug(ctx, "extraction failed", map[string]any{
			"url":         sourceURL,
			"profile":     profile,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, categorizeError(ctx, "extraction", err, stderr.String())
	}

	var info media.RawInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, categorizeError(ctx, "extraction", fmt.Errorf("parse metadata: %w", err), "")
	}

	y.log.Debug(ctx, "extracted metadata", map[string]any{
		"url":         sourceURL,
		"profile":     profile,
		"formats":     len(info.Formats),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &info, nil
}

// Fetch downloads one format selection to req.Dest. The process is killed when
// ctx is done; the engine's own partial files stay inside Dest's directory.
func (y *YtDlp) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	selector := req.FormatSelector
	if selector == "" {
		selector = "best"
	}
	args := append(y.baseArgs(req.Profile),
		"-f", selector,
		"-o", req.Dest,
		"--newline",
		"--progress",
		"--no-mtime",
		"--", req.URL,
	)

	cmd := exec.CommandContext(ctx, y.cfg.YtdlpPath, args...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return categorizeError(ctx, "transfer", err, "")
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if p, ok := parseProgress(scanner.Text()); ok && progress != nil {
			progress(p)
		}
	}

	if err := cmd.Wait(); err != nil {
		return categorizeError(ctx, "transfer", err, stderr.String())
	}
	if _, err := os.Stat(req.Dest); err != nil {
		return categorizeError(ctx, "transfer", fmt.Errorf("output file missing: %w", err), "")
	}
	return nil
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 8 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// [download]  42.3% of ~10.00MiB at  1.20MiB/s ETA 00:07
// [download] 100% of   10.00MiB in 00:00:05 at 2.00MiB/s
var progressLine = regexp.MustCompile(`^\[download\]\s+([\d.]+)%(?:\s+of\s+~?\s*([\d.]+)([KMGT]?i?B))?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

var sizeUnits = map[string]float64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"TiB": 1 << 40,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
}

// parseProgress extracts a progress report from one line of engine output
func parseProgress(line string) (Progress, bool) {
	m := progressLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Progress{}, false
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	p := Progress{Percent: pct}

	if m[2] != "" {
		if n, err := strconv.ParseFloat(m[2], 64); err == nil {
			p.TotalBytes = int64(n * sizeUnits[m[3]])
		}
	}
	if speed := m[4]; speed != "" && !strings.HasPrefix(speed, "Unknown") {
		p.Speed = speed
	}
	if eta, ok := parseClock(m[5]); ok {
		p.ETA = eta
		p.HasETA = true
	}
	return p, true
}

// parseClock reads SS, MM:SS or HH:MM:SS.
func parseClock(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	var total int
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, true
}
