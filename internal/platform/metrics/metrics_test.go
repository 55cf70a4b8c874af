package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncCacheHit("segment")
	m.IncSegmentFetch("critical", "ok")
	m.SetActiveSessions(3)
}

func TestRequestMiddleware_CountsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/missing", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.errorsTotal); got != 2 {
		t.Errorf("expected 2 errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "4xx")); got != 2 {
		t.Errorf("expected 2 4xx requests, got %v", got)
	}
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	m.IncCacheHit("manifest")
	called := false

	rec := httptest.NewRecorder()
	m.Handler(func() { called = true; m.SetActiveSessions(2) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("expected gauge refresh before scrape")
	}
	body := rec.Body.String()
	if !strings.Contains(body, `playback_cache_hits_total{cache="manifest"} 1`) {
		t.Errorf("missing cache hit metric: %s", body)
	}
	if !strings.Contains(body, "playback_active_sessions 2") {
		t.Errorf("missing active sessions gauge: %s", body)
	}
}
