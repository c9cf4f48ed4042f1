package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Inc(Joins)
	m.Inc(Joins)
	m.Inc(DeliveryMiss)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `tacnet_relay_events_total{event="joins"} 2`) {
		t.Fatalf("missing joins counter in body:\n%s", body)
	}
	if !strings.Contains(body, `tacnet_relay_events_total{event="delivery_miss"} 1`) {
		t.Fatalf("missing delivery_miss counter in body:\n%s", body)
	}
	if !strings.HasPrefix(body, "# HELP tacnet_relay_events_total") {
		t.Fatalf("missing HELP line in body:\n%s", body)
	}
}

func TestNilMetricsIncIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(Joins) // must not panic
}
