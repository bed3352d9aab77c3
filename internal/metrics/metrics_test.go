package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameReceived("binary")
	m.DecodeFailed()
	m.EventHandled("applied")
	m.MutationFinished("add", "added")
	m.Reconnecting()
	m.SetConnected(true)
	m.AddInFlight(1)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.FrameReceived("binary")
	m.FrameReceived("binary")
	m.FrameReceived("text")
	m.DecodeFailed()
	m.MutationFinished("remove", "not_member")
	m.Reconnecting()
	m.SetConnected(true)
	m.AddInFlight(2)
	m.AddInFlight(-1)

	if got := testutil.ToFloat64(m.frames.WithLabelValues("binary")); got != 2 {
		t.Fatalf("expected 2 binary frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.decodeFailures); got != 1 {
		t.Fatalf("expected 1 decode failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues("remove", "not_member")); got != 1 {
		t.Fatalf("expected 1 remove mutation, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconnects); got != 1 {
		t.Fatalf("expected 1 reconnect, got %v", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("expected in-flight gauge 1, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.EventHandled("duplicate")
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `listmirror_handler_events_total{outcome="duplicate"} 1`) {
		t.Fatalf("expected events counter in scrape, got:\n%s", body)
	}
}
