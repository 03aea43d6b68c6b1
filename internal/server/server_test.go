package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/security-event-chain/internal/config"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/processor"
	"github.com/smartdevs17/security-event-chain/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage:   config.StorageConfig{Type: "memory"},
		Integrity: config.IntegrityConfig{Algorithm: "sha256", VerifyPageSize: 100},
		Queue: config.QueueConfig{
			Capacity:           100,
			BatchSize:          10,
			FlushInterval:      10 * time.Millisecond,
			MaxAttempts:        2,
			RetryDelay:         time.Millisecond,
			MaxRetryDelay:      5 * time.Millisecond,
			DeadLetterCapacity: 10,
		},
		Dedup:    config.DedupConfig{Enabled: true, Window: time.Minute, IncludeMetadata: true},
		Archival: config.ArchivalConfig{Interval: time.Hour, Retention: 24 * time.Hour, BatchSize: 100},
		Rules:    config.RulesConfig{HotWindow: time.Hour, HotWindowSize: 100, LogFindings: true},
		Alerts: config.AlertsConfig{
			SeverityFloor:    "HIGH",
			Timeout:          time.Second,
			RetryAttempts:    1,
			RetryDelay:       time.Millisecond,
			MaxRetryDelay:    time.Millisecond,
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			QueueSize:        10,
			Workers:          1,
		},
	}
}

type testServer struct {
	*httptest.Server
	store     *storage.MemoryStorage
	processor *processor.EventProcessor
}

func newTestServer(t *testing.T, start bool) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	metricsManager := metrics.NewManager()
	ep, err := processor.NewEventProcessor(testConfig(), store, metricsManager)
	require.NoError(t, err)
	if start {
		require.NoError(t, ep.Start(context.Background()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ep.Stop(ctx)
		})
	}

	srv, err := NewHTTPServer(&ServerConfig{EnableHealth: true, EnableMetrics: true}, ep, metricsManager)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, processor: ep}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func loginEvent(user string, attempt int) map[string]interface{} {
	return map[string]interface{}{
		"event_type": "LOGIN_FAILED",
		"severity":   "MEDIUM",
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"actor": map[string]interface{}{
			"user_id":    user,
			"ip_address": "198.51.100.4",
		},
		"metadata": map[string]interface{}{"attempt": attempt},
	}
}

func thresholdRule(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"name":           "Repeated failures",
		"status":         "ACTIVE",
		"severity":       "HIGH",
		"condition_type": "THRESHOLD",
		"created_by":     "secops",
		"tags":           []string{"auth"},
		"config": map[string]interface{}{
			"threshold":         3,
			"timeWindowSeconds": 300,
			"eventTypes":        []string{"LOGIN_FAILED"},
			"groupBy":           "actor.userId",
		},
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/health/detailed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "processor")
	assert.Contains(t, body, "system")
}

func TestHealthReportsStoppedProcessor(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestSubmitEventAndQueryLog(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/events", loginEvent("alice", 1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, false, body["duplicate"])

	require.Eventually(t, func() bool {
		tail, err := ts.store.Tail(context.Background())
		return err == nil && tail.SequenceNumber == 1
	}, 5*time.Second, 5*time.Millisecond)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/logs?actor_id=alice&event_type=LOGIN_FAILED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.EqualValues(t, 1, entry["sequence_number"])
	assert.NotEmpty(t, entry["hash"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/chain/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
}

func TestSubmitInvalidEventReturnsFieldErrors(t *testing.T) {
	ts := newTestServer(t, true)

	event := loginEvent("alice", 1)
	event["severity"] = "APOCALYPTIC"
	event["actor"] = map[string]interface{}{"user_id": "alice", "ip_address": "not-an-ip"}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/events", event)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	fields := body["fields"].([]interface{})
	var names []string
	for _, f := range fields {
		names = append(names, f.(map[string]interface{})["field"].(string))
	}
	assert.Contains(t, names, "severity")
	assert.Contains(t, names, "actor.ipAddress")
}

func TestSubmitMalformedJSON(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid event", body["error"])
}

func TestSubmitBackpressureReturns503(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Capacity = 1
	cfg.Queue.BestEffort = false

	store := storage.NewMemoryStorage()
	ep, err := processor.NewEventProcessor(cfg, store, nil)
	require.NoError(t, err)
	srv, err := NewHTTPServer(&ServerConfig{EnableHealth: true}, ep, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client := &testServer{Server: ts, store: store, processor: ep}

	resp, _ := client.do(t, http.MethodPost, "/api/v1/events", loginEvent("bob", 1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := client.do(t, http.MethodPost, "/api/v1/events", loginEvent("bob", 2))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BACKPRESSURE", body["code"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestBatchSubmit(t *testing.T) {
	ts := newTestServer(t, true)

	bad := loginEvent("carol", 3)
	delete(bad, "event_type")
	batch := []interface{}{loginEvent("carol", 1), loginEvent("carol", 2), bad}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/events/batch", batch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 3, body["total_events"])
	assert.EqualValues(t, 2, body["accepted"])
	assert.EqualValues(t, 1, body["failed"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/events/batch", []interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryLogRejectsBadParameters(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name  string
		query string
	}{
		{"bad from", "from=yesterday"},
		{"bad page", "page=two"},
		{"bad archived flag", "include_archived=maybe"},
		{"inverted range", "from=2024-02-01T00:00:00Z&to=2024-01-01T00:00:00Z"},
		{"unknown severity", "severity=loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodGet, "/api/v1/logs?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/rules", thresholdRule("repeat-fail"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["version"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/rules", thresholdRule("repeat-fail"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/rules?status=active&tag=auth", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/rules?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	updated := thresholdRule("repeat-fail")
	updated["name"] = "Repeated login failures"
	resp, body = ts.do(t, http.MethodPut, "/api/v1/rules/repeat-fail", updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["version"])
	assert.Equal(t, "Repeated login failures", body["name"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/rules/repeat-fail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Repeated login failures", body["name"])

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/rules/repeat-fail", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/rules/repeat-fail", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCreateInvalidRule(t *testing.T) {
	ts := newTestServer(t, true)

	rule := thresholdRule("broken")
	rule["config"] = map[string]interface{}{"threshold": 0}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/rules", rule)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["fields"])
}

func TestImportRules(t *testing.T) {
	ts := newTestServer(t, true)

	pack := `
rules:
  - id: admin-path
    name: Admin path access
    status: ACTIVE
    severity: MEDIUM
    condition_type: PATTERN
    config:
      conditions:
        - field: metadata.path
          operator: prefix
          value: /admin
`
	resp, body := ts.do(t, http.MethodPost, "/api/v1/rules/import?imported_by=ops", pack)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["created"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/rules/admin-path", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ops", body["created_by"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/rules/import", "rules: [this is: not valid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTestRuleEndpoint(t *testing.T) {
	ts := newTestServer(t, true)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/rules", thresholdRule("repeat-fail"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	recent := []interface{}{loginEvent("dave", 1), loginEvent("dave", 2)}
	resp, body := ts.do(t, http.MethodPost, "/api/v1/rules/repeat-fail/test", map[string]interface{}{
		"event":         loginEvent("dave", 3),
		"recent_events": recent,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["matched"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/rules/missing/test", map[string]interface{}{
		"event": loginEvent("dave", 3),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/rules/repeat-fail/test", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// dry runs never touch the chain
	tail, err := ts.store.Tail(context.Background())
	if err == nil {
		assert.Zero(t, tail.SequenceNumber)
	}
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "depth")

	resp, body = ts.do(t, http.MethodGet, "/api/v1/queue/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestChainAndAlertEndpoints(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/chain/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["archived_count"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/chain/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "chain")

	resp, body = ts.do(t, http.MethodGet, "/api/v1/alerts/breaker", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CLOSED", body["state"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/engine/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, key := range []string{"processor", "queue", "engine", "dispatcher", "breaker"} {
		assert.Contains(t, body, key)
	}
}

func TestVerifyRangeParameters(t *testing.T) {
	ts := newTestServer(t, true)

	for i := 1; i <= 3; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/events", loginEvent("erin", i))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	require.Eventually(t, func() bool {
		tail, err := ts.store.Tail(context.Background())
		return err == nil && tail.SequenceNumber == 3
	}, 5*time.Second, 5*time.Millisecond)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/chain/verify?from_seq=2&to_seq=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 2, body["entries_checked"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/chain/verify?from_seq=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointRecordsRequests(t *testing.T) {
	ts := newTestServer(t, true)

	ts.do(t, http.MethodGet, "/api/v1/queue/stats", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), `endpoint="/api/v1/queue/stats"`),
		fmt.Sprintf("metrics output missing route label:\n%s", buf.String()))
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t, true)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewHTTPServerRequiresProcessor(t *testing.T) {
	_, err := NewHTTPServer(&ServerConfig{}, nil, nil)
	assert.Error(t, err)
}
