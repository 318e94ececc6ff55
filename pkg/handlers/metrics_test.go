package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "connector_test_runs_total", Help: "Runs."})
	reg.MustRegister(runs)
	runs.Add(3)

	mux := http.NewServeMux()
	RegisterMetrics(mux, reg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connector_test_runs_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
