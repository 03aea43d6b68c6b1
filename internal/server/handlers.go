// File: internal/server/handlers.go
package server

import (
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Health handlers

// healthHandler handles basic health checks
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.processor.GetHealth()

	status := http.StatusOK
	state := "healthy"
	if !health.Healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"service":   "security-event-chain",
		"version":   s.config.Version,
	})
}

// detailedHealthHandler handles detailed health checks
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.processor.GetHealth()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "security-event-chain",
		"version":   s.config.Version,
		"processor": health,
		"system": map[string]interface{}{
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": m.Alloc,
			"memory_sys":   m.Sys,
			"gc_runs":      m.NumGC,
		},
	}
	if s.metricsManager != nil {
		response["uptime"] = s.metricsManager.Uptime().String()
	}

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
	}

	s.writeJSON(w, status, response)
}

// statsHandler returns processor, queue and alerting statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"processor":  s.processor.GetStats(),
		"queue":      s.processor.QueueStats(),
		"engine":     s.processor.GetEngineMetrics(),
		"archival":   s.processor.ArchivalStats(),
		"dispatcher": s.processor.DispatcherStats(),
		"breaker":    s.processor.BreakerStats(),
	})
}

// Event handlers

// submitEventHandler accepts a single security event
func (s *HTTPServer) submitEventHandler(w http.ResponseWriter, r *http.Request) {
	var event models.SecurityEvent
	if err := s.decodeJSON(w, r, &event); err != nil {
		s.writeAppError(w, "Invalid event", err)
		return
	}

	result, err := s.processor.SubmitSecurityEvent(r.Context(), &event)
	if err != nil {
		s.writeAppError(w, "Failed to submit event", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, result)
}

// submitEventsHandler accepts a JSON array of events
func (s *HTTPServer) submitEventsHandler(w http.ResponseWriter, r *http.Request) {
	var events []*models.SecurityEvent
	if err := s.decodeJSON(w, r, &events); err != nil {
		s.writeAppError(w, "Invalid event batch", err)
		return
	}
	if len(events) == 0 {
		s.writeError(w, http.StatusBadRequest, "Event batch is empty", nil)
		return
	}

	result, err := s.processor.SubmitSecurityEvents(r.Context(), events)
	if err != nil {
		s.writeAppError(w, "Failed to submit events", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, result)
}

// Log and chain handlers

// queryLogHandler returns a page of committed entries
func (s *HTTPServer) queryLogHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		s.writeAppError(w, "Invalid log query", err)
		return
	}

	page, err := s.processor.QueryLog(r.Context(), *filter)
	if err != nil {
		s.writeAppError(w, "Failed to query log", err)
		return
	}

	s.writeJSON(w, http.StatusOK, page)
}

func parseLogFilter(r *http.Request) (*models.LogFilter, error) {
	q := r.URL.Query()
	filter := &models.LogFilter{}

	if v := q.Get("event_type"); v != "" {
		filter.EventType = &v
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("severity"); v != "" {
		severity := models.Severity(strings.ToUpper(v))
		filter.Severity = &severity
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		return nil, err
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		return nil, err
	}
	if v := q.Get("include_archived"); v != "" {
		if filter.IncludeArchived, err = strconv.ParseBool(v); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid query parameter include_archived", v)
		}
	}
	if filter.Page, err = queryInt(r, "page", 1); err != nil {
		return nil, err
	}
	if filter.Limit, err = queryInt(r, "limit", models.DefaultPageLimit); err != nil {
		return nil, err
	}

	return filter, nil
}

// verifyChainHandler verifies the whole chain or a sequence range
func (s *HTTPServer) verifyChainHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from_seq") == "" && q.Get("to_seq") == "" {
		result, err := s.processor.VerifyChainIntegrity(r.Context())
		if err != nil {
			s.writeAppError(w, "Failed to verify chain", err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	fromSeq, err := queryInt(r, "from_seq", 1)
	if err != nil {
		s.writeAppError(w, "Invalid verification range", err)
		return
	}
	toSeq, err := queryInt(r, "to_seq", 0)
	if err != nil {
		s.writeAppError(w, "Invalid verification range", err)
		return
	}

	result, err := s.processor.VerifyChainRange(r.Context(), int64(fromSeq), int64(toSeq))
	if err != nil {
		s.writeAppError(w, "Failed to verify chain range", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// archiveHandler runs one archival pass
func (s *HTTPServer) archiveHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.processor.ArchiveOldEntries(r.Context())
	if err != nil {
		s.writeAppError(w, "Failed to archive entries", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// chainStatsHandler summarizes the stored chain
func (s *HTTPServer) chainStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.processor.ChainStats(r.Context())
	if err != nil {
		s.writeAppError(w, "Failed to get chain stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":    stats,
		"archival": s.processor.ArchivalStats(),
	})
}

// Queue handlers

func (s *HTTPServer) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.processor.QueueStats())
}

func (s *HTTPServer) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.processor.Job(mux.Vars(r)["id"])
	if err != nil {
		s.writeAppError(w, "Job not found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.processor.DeadLetters()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Rule handlers

// listRulesHandler lists rules, optionally filtered by status, condition_type and tag
func (s *HTTPServer) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RuleFilter{}

	if v := q.Get("status"); v != "" {
		status := models.RuleStatus(strings.ToUpper(v))
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "Invalid rule status", nil)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("condition_type"); v != "" {
		conditionType := models.ConditionType(strings.ToUpper(v))
		filter.ConditionType = &conditionType
	}
	if v := q.Get("tag"); v != "" {
		filter.Tag = &v
	}

	list, err := s.processor.ListRules(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, "Failed to list rules", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

func (s *HTTPServer) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.ThreatRule
	if err := s.decodeJSON(w, r, &rule); err != nil {
		s.writeAppError(w, "Invalid rule", err)
		return
	}

	created, err := s.processor.CreateRule(r.Context(), &rule)
	if err != nil {
		s.writeAppError(w, "Failed to create rule", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.processor.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAppError(w, "Failed to get rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.ThreatRule
	if err := s.decodeJSON(w, r, &rule); err != nil {
		s.writeAppError(w, "Invalid rule", err)
		return
	}

	updated, err := s.processor.UpdateRule(r.Context(), mux.Vars(r)["id"], &rule)
	if err != nil {
		s.writeAppError(w, "Failed to update rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeAppError(w, "Failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// importRulesHandler upserts a YAML rule pack from the request body
func (s *HTTPServer) importRulesHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read rule pack", err)
		return
	}

	importedBy := r.URL.Query().Get("imported_by")
	if importedBy == "" {
		importedBy = "api"
	}

	result, err := s.processor.ImportRules(r.Context(), data, importedBy)
	if err != nil {
		s.writeAppError(w, "Failed to import rules", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// testRuleRequest is the body of a dry-run rule evaluation
type testRuleRequest struct {
	Event        *models.SecurityEvent   `json:"event"`
	RecentEvents []*models.SecurityEvent `json:"recent_events,omitempty"`
}

// testRuleHandler evaluates a rule against a sample event without side effects
func (s *HTTPServer) testRuleHandler(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeAppError(w, "Invalid test request", err)
		return
	}
	if req.Event == nil {
		s.writeError(w, http.StatusBadRequest, "Test request needs an event", nil)
		return
	}

	result, err := s.processor.TestRule(r.Context(), mux.Vars(r)["id"], req.Event, req.RecentEvents)
	if err != nil {
		s.writeAppError(w, "Failed to test rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) engineMetricsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.processor.GetEngineMetrics())
}

// Alerting handlers

func (s *HTTPServer) breakerHandler(w http.ResponseWriter, r *http.Request) {
	breaker := s.processor.BreakerStats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   breaker.State.String(),
		"breaker": breaker,
	})
}

func (s *HTTPServer) alertStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.processor.DispatcherStats())
}
