package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler()(w, req)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	return w.Body.String()
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := New()

	m.RecordRequest("GET", "/info", 200, 100*time.Millisecond)
	m.RecordRequest("GET", "/info", 200, 150*time.Millisecond)
	m.RecordRequest("GET", "/info", 502, 50*time.Millisecond)

	body := scrape(t, m)

	if !strings.Contains(body, `mediafetch_http_requests_total{endpoint="/info",method="GET"} 3`) {
		t.Errorf("expected request count 3, got:\n%s", body)
	}
	if !strings.Contains(body, `mediafetch_http_request_duration_seconds_bucket{endpoint="/info",method="GET",le="+Inf"} 3`) {
		t.Errorf("expected latency histogram, got:\n%s", body)
	}
	if !strings.Contains(body, `mediafetch_http_errors_total{endpoint="/info",method="GET",status_class="5xx"} 1`) {
		t.Errorf("expected one 5xx error, got:\n%s", body)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()
	m.SetQueueLength(5)
	m.SetActiveTasks(2)

	body := scrape(t, m)

	for _, want := range []string{
		"mediafetch_websocket_connections_active 1",
		"mediafetch_task_queue_length 5",
		"mediafetch_tasks_active 2",
		"mediafetch_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q, got:\n%s", want, body)
		}
	}
}

func TestMetrics_EndpointNormalization(t *testing.T) {
	m := New()

	m.RecordRequest("GET", "/task/123e4567-e89b-12d3-a456-426614174000", 200, 10*time.Millisecond)
	m.RecordRequest("GET", "/task/550e8400-e29b-41d4-a716-446655440000", 200, 10*time.Millisecond)

	body := scrape(t, m)

	if !strings.Contains(body, `endpoint="/task/{id}",method="GET"} 2`) {
		t.Errorf("expected normalized endpoint /task/{id}, got:\n%s", body)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /task/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h := MetricsMiddleware(m)(mux)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/task/abc", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `endpoint="/task/{id}"`) {
		t.Errorf("expected route pattern as endpoint, got:\n%s", body)
	}
	if !strings.Contains(body, `status_class="4xx"`) {
		t.Errorf("expected 4xx error series, got:\n%s", body)
	}
}

func TestMetrics_LabelledCounter(t *testing.T) {
	m := New()

	m.IncCounter("cache_requests_total", "result", "hit")
	m.IncCounter("cache_requests_total", "result", "hit")
	m.IncCounter("cache_requests_total", "result", "miss")
	m.AddCounter("proxy_bytes_total", 1024)

	if got := m.Counter("cache_requests_total", "result", "hit"); got != 2 {
		t.Errorf("Counter(hit) = %d, want 2", got)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `mediafetch_cache_requests_total{result="hit"} 2`) {
		t.Errorf("expected hit counter = 2, got:\n%s", body)
	}
	if !strings.Contains(body, "# HELP mediafetch_cache_requests_total Metadata cache lookups by result") {
		t.Errorf("expected HELP line, got:\n%s", body)
	}
	if !strings.Contains(body, "mediafetch_proxy_bytes_total 1024") {
		t.Errorf("expected unlabelled counter, got:\n%s", body)
	}
}

func TestMetrics_Histogram(t *testing.T) {
	m := New()

	m.Observe("task_duration_seconds", 3, "state", "finished")
	m.Observe("task_duration_seconds", 45, "state", "finished")

	body := scrape(t, m)
	if !strings.Contains(body, `mediafetch_task_duration_seconds_bucket{state="finished",le="5"} 1`) {
		t.Errorf("expected le=5 bucket to hold one sample, got:\n%s", body)
	}
	if !strings.Contains(body, `mediafetch_task_duration_seconds_count{state="finished"} 2`) {
		t.Errorf("expected count 2, got:\n%s", body)
	}
}

func TestMetrics_Gauge(t *testing.T) {
	m := New()

	m.SetGauge("cache_entries", 3)

	body := scrape(t, m)
	if !strings.Contains(body, "mediafetch_cache_entries 3.000000") {
		t.Errorf("expected cache_entries gauge, got:\n%s", body)
	}
}
