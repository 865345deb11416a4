package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestMiddlewareCountsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m)
	if !strings.Contains(body, "tts_http_requests_total 3") {
		t.Fatalf("expected 3 requests, got:\n%s", body)
	}
	if !strings.Contains(body, "tts_http_errors_total 1") {
		t.Fatalf("expected 1 error, got:\n%s", body)
	}
}

func TestRelayMetricsExposed(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.AddBytesRelayed(4140)
	m.IncHeadersSynthesized()
	m.IncUpstreamErrors("timeout")
	m.SessionFinished("http", "complete", 2*time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		"tts_relay_active_sessions 0",
		"tts_relay_bytes_total 4140",
		"tts_relay_headers_synthesized_total 1",
		`tts_upstream_errors_total{kind="timeout"} 1`,
		`tts_relay_sessions_total{outcome="complete",transport="http"} 1`,
		"tts_relay_session_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("ReadAll err: %v", err)
	}
	return string(body)
}
