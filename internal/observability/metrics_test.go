package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveResponseIncrementsByStatusClass(t *testing.T) {
	m := New()
	m.ObserveResponse("source-a", 200, 50*time.Millisecond)
	m.ObserveResponse("source-a", 404, 10*time.Millisecond)
	m.ObserveResponse("source-a", 503, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.ResponseStatus.WithLabelValues("source-a", "2xx")); got != 1 {
		t.Errorf("expected 1 2xx response, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResponseStatus.WithLabelValues("source-a", "4xx")); got != 1 {
		t.Errorf("expected 1 4xx response, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResponseStatus.WithLabelValues("source-a", "5xx")); got != 1 {
		t.Errorf("expected 1 5xx response, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("source-a")); got != 3 {
		t.Errorf("expected 3 total requests, got %v", got)
	}
}

func TestStatusClassBoundaries(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		299: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		599: "5xx",
		0:   "unknown",
	}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestHandlerServesPrometheusExpositionFormat(t *testing.T) {
	m := New()
	m.ObserveResponse("source-a", 200, time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty metrics body")
	}
}
