package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry without panicking.
func TestMetricsRegistered(t *testing.T) {
	// Counters and histograms only appear after first observation, so seed
	// every metric before gathering.
	RequestsTotal.WithLabelValues("GET", "2xx").Inc()
	RequestDuration.WithLabelValues("GET").Observe(0.1)
	ExecutionsTotal.WithLabelValues("python", "success").Inc()
	ExecutionDuration.WithLabelValues("python").Observe(0.5)
	AutoFixAttemptsTotal.WithLabelValues("succeeded").Inc()
	AutoFixRounds.Observe(2)
	ContainersActive.Set(1)
	ProviderRequestsTotal.WithLabelValues("anthropic", "success").Inc()
	ProviderLatency.WithLabelValues("anthropic").Observe(1.2)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"aicodeexec_requests_total":                     false,
		"aicodeexec_request_duration_seconds":           false,
		"aicodeexec_streaming_connections_active":       false,
		"aicodeexec_executions_total":                   false,
		"aicodeexec_execution_duration_seconds":         false,
		"aicodeexec_autofix_attempts_total":             false,
		"aicodeexec_autofix_rounds":                     false,
		"aicodeexec_containers_active":                  false,
		"aicodeexec_provider_requests_total":            false,
		"aicodeexec_provider_request_duration_seconds":  false,
	}

	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, seen := range expected {
		if !seen {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	before := counterValue(t, "aicodeexec_requests_total", map[string]string{
		"method": "POST", "status": "4xx",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := counterValue(t, "aicodeexec_requests_total", map[string]string{
		"method": "POST", "status": "4xx",
	})
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

// counterValue reads a counter's current value from the default gatherer.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && lp.GetValue() != want {
					match = false
					break
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
