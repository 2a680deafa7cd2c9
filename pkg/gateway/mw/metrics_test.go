package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestMetrics_LabelsEndpointWithMuxPattern(t *testing.T) {
	m := metrics.New("mwtest")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Metrics(m, mux)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `mwtest_requests_total{endpoint="GET /things/{id}",status="204"} 1`) {
		t.Fatalf("pattern-labeled counter missing from:\n%s", body)
	}
	if strings.Contains(body, `endpoint="/things/42"`) {
		t.Fatalf("raw path leaked into labels:\n%s", body)
	}
}

func TestMetrics_UnmatchedRequestsShareOneLabel(t *testing.T) {
	m := metrics.New("mwtest")
	h := Metrics(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))

	for _, path := range []string{"/a", "/b"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m)
	if !strings.Contains(body, `mwtest_requests_total{endpoint="unmatched",status="404"} 2`) {
		t.Fatalf("unmatched counter missing from:\n%s", body)
	}
}

func TestMetrics_NilMetricsPassesThrough(t *testing.T) {
	h := Metrics(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
}
