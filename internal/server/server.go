// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/pipeline"
	"github.com/smartdevs17/security-event-chain/internal/processor"
	"github.com/smartdevs17/security-event-chain/internal/rules"
	"github.com/smartdevs17/security-event-chain/internal/storage"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

const maxRequestBody = 1 << 20

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
	Version       string        `json:"version"`
}

// HTTPServer serves the operator and ingestion API
type HTTPServer struct {
	config         *ServerConfig
	server         *http.Server
	router         *mux.Router
	processor      *processor.EventProcessor
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHTTPServer creates a new HTTP server. metricsManager may be nil.
func NewHTTPServer(config *ServerConfig, processor *processor.EventProcessor, metricsManager *metrics.Manager) (*HTTPServer, error) {
	if processor == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "HTTP server needs an event processor", "")
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}

	server := &HTTPServer{
		config:         config,
		processor:      processor,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http_server"),
		stopChan:       make(chan struct{}),
	}

	// Setup router
	server.setupRouter()

	// Create HTTP server
	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server, nil
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health check endpoints
	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	// Metrics endpoints
	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
	}
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// Event ingestion
	api.HandleFunc("/events", s.submitEventHandler).Methods("POST")
	api.HandleFunc("/events/batch", s.submitEventsHandler).Methods("POST")

	// Log and chain endpoints
	api.HandleFunc("/logs", s.queryLogHandler).Methods("GET")
	api.HandleFunc("/chain/verify", s.verifyChainHandler).Methods("GET")
	api.HandleFunc("/chain/archive", s.archiveHandler).Methods("POST")
	api.HandleFunc("/chain/stats", s.chainStatsHandler).Methods("GET")

	// Write queue endpoints
	api.HandleFunc("/queue/stats", s.queueStatsHandler).Methods("GET")
	api.HandleFunc("/queue/jobs/{id}", s.getJobHandler).Methods("GET")
	api.HandleFunc("/deadletters", s.deadLettersHandler).Methods("GET")

	// Rule endpoints
	api.HandleFunc("/rules", s.listRulesHandler).Methods("GET")
	api.HandleFunc("/rules", s.createRuleHandler).Methods("POST")
	api.HandleFunc("/rules/import", s.importRulesHandler).Methods("POST")
	api.HandleFunc("/rules/{id}", s.getRuleHandler).Methods("GET")
	api.HandleFunc("/rules/{id}", s.updateRuleHandler).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.deleteRuleHandler).Methods("DELETE")
	api.HandleFunc("/rules/{id}/test", s.testRuleHandler).Methods("POST")
	api.HandleFunc("/engine/metrics", s.engineMetricsHandler).Methods("GET")

	// Alerting endpoints
	api.HandleFunc("/alerts/breaker", s.breakerHandler).Methods("GET")
	api.HandleFunc("/alerts/stats", s.alertStatsHandler).Methods("GET")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	// Update system and component metrics so they appear on first scrape
	if s.metricsManager != nil {
		s.updateMetrics()
		s.wg.Add(1)
		go s.systemMetricsUpdater()
	}

	// Create a channel to receive startup errors
	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to start and check for immediate binding errors
	select {
	case err := <-errChan:
		s.stopOnce.Do(func() { close(s.stopChan) })
		s.wg.Wait()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *HTTPServer) updateMetrics() {
	s.metricsManager.UpdateSystemMetrics()

	health := s.processor.GetHealth()
	m := s.metricsManager.GetPrometheusMetrics()
	m.UpdateComponentHealth("processor", health.Healthy)
	m.UpdateComponentHealth("storage", health.Storage != nil && health.Storage.Healthy)
	m.UpdateComponentHealth("batch_writer", health.WriterRunning)
	m.UpdateComponentHealth("alert_dispatcher", health.DispatcherHealthy)
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	return s.server.Shutdown(ctx)
}

// Helpers

func (s *HTTPServer) decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid JSON body", err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid query parameter "+name, raw)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid query parameter "+name, "expected RFC3339 timestamp")
	}
	return &t, nil
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["code"] = utils.ErrorCode(err)
		errorResponse["details"] = err.Error()
		if fields := fieldErrors(err); len(fields) > 0 {
			errorResponse["fields"] = fields
		}

		entry := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
			"error":   err.Error(),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP client error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}

// writeAppError maps err to a status code and writes it
func (s *HTTPServer) writeAppError(w http.ResponseWriter, message string, err error) {
	status := statusForError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	s.writeError(w, status, message, err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}

	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeBackpressure, utils.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fieldErrors(err error) []*rules.ValidationError {
	if fields := rules.ValidationErrors(err); len(fields) > 0 {
		return fields
	}
	return processor.EventValidationErrors(err)
}
