package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagersUseIndependentRegistries(t *testing.T) {
	first := NewManager()
	second := NewManager()

	first.GetPrometheusMetrics().RecordBatchFlush("success", 5, 10*time.Millisecond)
	first.GetPrometheusMetrics().RecordBatchFlush("success", 3, 10*time.Millisecond)

	assert.Equal(t, 8.0, testutil.ToFloat64(first.GetPrometheusMetrics().EntriesCommittedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.GetPrometheusMetrics().EntriesCommittedTotal))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *PrometheusMetrics
	assert.NotPanics(t, func() {
		m.RecordEventSubmitted("accepted")
		m.RecordRuleEvaluation("r1", "THRESHOLD", "match", time.Millisecond)
		m.UpdateCircuitBreakerState(1)
	})

	var manager *Manager
	assert.Nil(t, manager.GetPrometheusMetrics())
}

func TestHandlerExposesMetrics(t *testing.T) {
	manager := NewManager()
	manager.GetPrometheusMetrics().RecordAlertDispatch("sent", 20*time.Millisecond)
	manager.UpdateSystemMetrics()

	rec := httptest.NewRecorder()
	manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `seclog_alerts_dispatched_total{status="sent"} 1`))
	assert.True(t, strings.Contains(body, "seclog_goroutines_count"))
}
