package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorders(t *testing.T) {
	m := New("hookline")

	m.EventDispatched()
	m.DeliveryCreated("invoice.created")
	m.Attempt(true, 120*time.Millisecond)
	m.Attempt(false, time.Second)
	m.RetryScheduled()
	m.DeliveryCompleted("DELIVERED")
	m.CircuitTripped()

	if got := testutil.ToFloat64(m.EventsDispatched); got != 1 {
		t.Errorf("EventsDispatched = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesCreated.WithLabelValues("invoice.created")); got != 1 {
		t.Errorf("DeliveriesCreated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips); got != 1 {
		t.Errorf("CircuitBreakerTrips = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.EventDispatched()
	m.EventDropped()
	m.DeliveryCreated("x")
	m.DeliveryCompleted("FAILED")
	m.Attempt(false, time.Second)
	m.RetryScheduled()
	m.CircuitTripped()
}

func TestMetrics_Handler(t *testing.T) {
	m := New("hookline")
	m.RetryScheduled()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hookline_retries_scheduled_total 1") {
		t.Errorf("metrics output missing retries counter:\n%s", body)
	}
}
