package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const namespace = "mediafetch"

// Metrics holds all application metrics and renders them in Prometheus text format
type Metrics struct {
	mu sync.RWMutex

	// Request metrics, keyed by endpoint:method
	requestCount    map[string]*uint64
	requestDuration map[string]*Histogram
	requestErrors   map[string]*uint64

	activeWSConnections int64
	queueLength         int64
	activeTasks         int64

	// Labelled series, keyed by metric name then rendered label set
	counters   map[string]map[string]*uint64
	gauges     map[string]map[string]float64
	histograms map[string]map[string]*Histogram

	startTime time.Time
}

var help = map[string]string{
	"cache_requests_total":        "Metadata cache lookups by result",
	"extractions_total":           "Extraction engine calls by result",
	"strategy_attempts_total":     "Fallback strategy attempts by kind and result",
	"tasks_total":                 "Download tasks reaching a terminal state",
	"tasks_submitted_total":       "Download tasks accepted",
	"signed_links_total":          "Signed link operations by result",
	"task_duration_seconds":       "Wall time from task start to terminal state",
	"merge_duration_seconds":      "Time spent in the external muxer",
	"storage_uploads_total":       "Artifact uploads to object storage by result",
	"cache_entries":               "Entries held by the local metadata cache",
	"history_writes_total":        "Task history writes by result",
	"events_published_total":      "Task events mirrored to Redis by result",
	"websocket_messages_total":    "Task snapshots pushed over websockets",
	"extraction_wait_seconds":     "Time spent waiting for the extraction rate limiter",
	"proxy_bytes_total":           "Bytes proxied for signed-link downloads",
	"janitor_removed_tasks_total": "Terminal tasks removed after the retention window",
}

// Histogram tracks value distributions
type Histogram struct {
	mu         sync.Mutex
	count      uint64
	sum        float64
	buckets    []float64
	bucketVals []uint64
}

// DefaultBuckets suit HTTP latency in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// TaskBuckets suit download and merge durations in seconds
var TaskBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}

// NewHistogram creates a histogram with the given upper bounds, or DefaultBuckets
func NewHistogram(buckets ...float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	return &Histogram{
		buckets:    buckets,
		bucketVals: make([]uint64, len(buckets)),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		counters:        make(map[string]map[string]*uint64),
		gauges:          make(map[string]map[string]float64),
		histograms:      make(map[string]map[string]*Histogram),
		startTime:       time.Now(),
	}
}

var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	m.mu.Lock()
	if m.requestCount[key] == nil {
		m.requestCount[key] = new(uint64)
		m.requestDuration[key] = NewHistogram()
	}
	count, hist := m.requestCount[key], m.requestDuration[key]

	var errCount *uint64
	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		if m.requestErrors[errorKey] == nil {
			m.requestErrors[errorKey] = new(uint64)
		}
		errCount = m.requestErrors[errorKey]
	}
	m.mu.Unlock()

	atomic.AddUint64(count, 1)
	hist.Observe(duration.Seconds())
	if errCount != nil {
		atomic.AddUint64(errCount, 1)
	}
}

// normalizeEndpoint collapses ids in a path so series stay bounded
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// labelSet renders alternating key/value pairs as a Prometheus label set
func labelSet(labels []string) string {
	if len(labels) < 2 {
		return ""
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", labels[i], labels[i+1]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func (m *Metrics) IncWSConnections() { atomic.AddInt64(&m.activeWSConnections, 1) }
func (m *Metrics) DecWSConnections() { atomic.AddInt64(&m.activeWSConnections, -1) }

// SetQueueLength sets the number of queued tasks
func (m *Metrics) SetQueueLength(length int64) {
	atomic.StoreInt64(&m.queueLength, length)
}

// SetActiveTasks sets the number of running or merging tasks
func (m *Metrics) SetActiveTasks(n int64) {
	atomic.StoreInt64(&m.activeTasks, n)
}

// IncCounter increments a counter; labels are alternating key/value pairs
func (m *Metrics) IncCounter(name string, labels ...string) {
	m.AddCounter(name, 1, labels...)
}

// AddCounter adds delta to a counter
func (m *Metrics) AddCounter(name string, delta uint64, labels ...string) {
	ls := labelSet(labels)

	m.mu.Lock()
	series := m.counters[name]
	if series == nil {
		series = make(map[string]*uint64)
		m.counters[name] = series
	}
	c := series[ls]
	if c == nil {
		c = new(uint64)
		series[ls] = c
	}
	m.mu.Unlock()

	atomic.AddUint64(c, delta)
}

// Counter returns the current value of a counter series
func (m *Metrics) Counter(name string, labels ...string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.counters[name][labelSet(labels)]; c != nil {
		return atomic.LoadUint64(c)
	}
	return 0
}

// SetGauge sets a gauge value
func (m *Metrics) SetGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelSet(labels)] = value
}

// Observe records v in a histogram using TaskBuckets
func (m *Metrics) Observe(name string, v float64, labels ...string) {
	ls := labelSet(labels)

	m.mu.Lock()
	series := m.histograms[name]
	if series == nil {
		series = make(map[string]*Histogram)
		m.histograms[name] = series
	}
	h := series[ls]
	if h == nil {
		h = NewHistogram(TaskBuckets...)
		series[ls] = h
	}
	m.mu.Unlock()

	h.Observe(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHeader(sb *strings.Builder, name, kind string) {
	desc := help[name]
	if desc == "" {
		desc = name
	}
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", namespace, name, desc)
	fmt.Fprintf(sb, "# TYPE %s_%s %s\n", namespace, name, kind)
}

// mergeLabels inserts le into an existing rendered label set
func mergeLabels(ls, le string) string {
	if ls == "" {
		return fmt.Sprintf("{le=%q}", le)
	}
	return fmt.Sprintf("%s,le=%q}", strings.TrimSuffix(ls, "}"), le)
}

func writeHistogram(sb *strings.Builder, name, ls string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, bucket := range h.buckets {
		fmt.Fprintf(sb, "%s_%s_bucket%s %d\n", namespace, name, mergeLabels(ls, fmt.Sprintf("%g", bucket)), h.bucketVals[i])
	}
	fmt.Fprintf(sb, "%s_%s_bucket%s %d\n", namespace, name, mergeLabels(ls, "+Inf"), h.count)
	fmt.Fprintf(sb, "%s_%s_sum%s %f\n", namespace, name, ls, h.sum)
	fmt.Fprintf(sb, "%s_%s_count%s %d\n", namespace, name, ls, h.count)
}

// Render writes all metrics in Prometheus text exposition format
func (m *Metrics) Render() string {
	var sb strings.Builder

	writeHeader(&sb, "uptime_seconds", "gauge")
	fmt.Fprintf(&sb, "%s_uptime_seconds %f\n\n", namespace, time.Since(m.startTime).Seconds())

	writeHeader(&sb, "websocket_connections_active", "gauge")
	fmt.Fprintf(&sb, "%s_websocket_connections_active %d\n\n", namespace, atomic.LoadInt64(&m.activeWSConnections))

	writeHeader(&sb, "task_queue_length", "gauge")
	fmt.Fprintf(&sb, "%s_task_queue_length %d\n\n", namespace, atomic.LoadInt64(&m.queueLength))

	writeHeader(&sb, "tasks_active", "gauge")
	fmt.Fprintf(&sb, "%s_tasks_active %d\n\n", namespace, atomic.LoadInt64(&m.activeTasks))

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.requestCount) > 0 {
		writeHeader(&sb, "http_requests_total", "counter")
		for _, key := range sortedKeys(m.requestCount) {
			endpoint, method, _ := strings.Cut(key, ":")
			fmt.Fprintf(&sb, "%s_http_requests_total{endpoint=%q,method=%q} %d\n", namespace, endpoint, method, atomic.LoadUint64(m.requestCount[key]))
		}
		sb.WriteString("\n")

		writeHeader(&sb, "http_request_duration_seconds", "histogram")
		for _, key := range sortedKeys(m.requestDuration) {
			endpoint, method, _ := strings.Cut(key, ":")
			writeHistogram(&sb, "http_request_duration_seconds", fmt.Sprintf("{endpoint=%q,method=%q}", endpoint, method), m.requestDuration[key])
		}
		sb.WriteString("\n")
	}

	if len(m.requestErrors) > 0 {
		writeHeader(&sb, "http_errors_total", "counter")
		for _, key := range sortedKeys(m.requestErrors) {
			parts := strings.Split(key, ":")
			if len(parts) >= 3 {
				fmt.Fprintf(&sb, "%s_http_errors_total{endpoint=%q,method=%q,status_class=\"%sxx\"} %d\n",
					namespace, parts[0], parts[1], parts[2][:1], atomic.LoadUint64(m.requestErrors[key]))
			}
		}
		sb.WriteString("\n")
	}

	for _, name := range sortedKeys(m.counters) {
		writeHeader(&sb, name, "counter")
		for _, ls := range sortedKeys(m.counters[name]) {
			fmt.Fprintf(&sb, "%s_%s%s %d\n", namespace, name, ls, atomic.LoadUint64(m.counters[name][ls]))
		}
		sb.WriteString("\n")
	}

	for _, name := range sortedKeys(m.gauges) {
		writeHeader(&sb, name, "gauge")
		for _, ls := range sortedKeys(m.gauges[name]) {
			fmt.Fprintf(&sb, "%s_%s%s %f\n", namespace, name, ls, m.gauges[name][ls])
		}
		sb.WriteString("\n")
	}

	for _, name := range sortedKeys(m.histograms) {
		writeHeader(&sb, name, "histogram")
		for _, ls := range sortedKeys(m.histograms[name]) {
			writeHistogram(&sb, name, ls, m.histograms[name][ls])
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(m.Render()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// Route patterns keep cardinality bounded; raw paths are the fallback
			path := r.Pattern
			if path == "" {
				path = r.URL.Path
			} else if _, p, found := strings.Cut(path, " "); found {
				path = p
			}
			m.RecordRequest(r.Method, path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
