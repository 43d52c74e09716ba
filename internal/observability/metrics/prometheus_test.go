package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionsCreated.Inc()
	m.StepsCompleted.WithLabelValues("medicationHistory").Inc()
	m.OutboxPending.Set(3)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"mtr_sessions_created_total 1",
		`mtr_steps_completed_total{step="medicationHistory"} 1`,
		"outbox_pending_entries 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())

	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	reg := prometheus.NewRegistry()
	New(reg)
	New(reg)
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).AuditEventsArchived.Inc()
	srv := NewServer(":0", reg)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mtr_audit_events_archived_total 1") {
		t.Error("expected archived counter on /metrics")
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("expected 200 from /health, got %d", rec.Code)
	}
}
