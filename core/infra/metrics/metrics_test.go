package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncCommand("publish", "OK")
	m.IncSessionConflict("sandbox")
	m.IncSnapshotRejected("too_large")
	m.IncExecutorUnavailable("SANDBOX")
	m.ObserveRun("SANDBOX", "SUCCEEDED", 0.1)
	m.IncSnapshotsPurged(2)
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("toolforge")
	m.IncCommand("publish", "OK")
	m.IncSessionConflict("sandbox")
	m.IncSnapshotRejected("too_large")
	m.IncExecutorUnavailable("PRODUCTION")
	m.ObserveRun("SANDBOX", "FAILED", 1.5)
	m.IncSnapshotsPurged(3)
	m.IncSnapshotsPurged(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "toolforge_commands_total", map[string]string{"command": "publish", "code": "OK"}) {
		t.Fatalf("expected commands metric")
	}
	if !hasMetric(families, "toolforge_session_cas_conflicts_total", map[string]string{"kind": "sandbox"}) {
		t.Fatalf("expected session conflict metric")
	}
	if !hasMetric(families, "toolforge_snapshots_rejected_total", map[string]string{"reason": "too_large"}) {
		t.Fatalf("expected snapshot rejected metric")
	}
	if !hasMetric(families, "toolforge_executor_unavailable_total", map[string]string{"context": "PRODUCTION"}) {
		t.Fatalf("expected executor unavailable metric")
	}
	if !hasMetric(families, "toolforge_run_duration_seconds", map[string]string{"context": "SANDBOX", "status": "FAILED"}) {
		t.Fatalf("expected run duration metric")
	}
	for _, fam := range families {
		if fam.GetName() == "toolforge_snapshots_purged_total" {
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Fatalf("expected 3 purged, got %v", got)
			}
			return
		}
	}
	t.Fatalf("expected snapshots purged metric")
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("toolforge")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "toolforge_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "toolforge_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("toolforge")
	m.IncCommand("save_draft", "CONFLICT")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolforge_commands_total") {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
