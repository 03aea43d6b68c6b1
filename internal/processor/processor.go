// File: internal/processor/processor.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/archival"
	"github.com/smartdevs17/security-event-chain/internal/config"
	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/notification"
	"github.com/smartdevs17/security-event-chain/internal/pipeline"
	"github.com/smartdevs17/security-event-chain/internal/rules"
	"github.com/smartdevs17/security-event-chain/internal/storage"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// ThreatDetectedEventType is the event type of chain entries recording findings
const ThreatDetectedEventType = "THREAT_DETECTED"

// SubmitResult contains the result of submitting a single event
type SubmitResult struct {
	JobID          string                         `json:"job_id,omitempty"`
	Duplicate      bool                           `json:"duplicate"`
	Dropped        bool                           `json:"dropped,omitempty"`
	Findings       []*models.RuleEvaluationResult `json:"findings"`
	AlertsQueued   int                            `json:"alerts_queued"`
	ProcessingTime time.Duration                  `json:"processing_time"`
}

// BatchSubmitResult contains the result of submitting multiple events
type BatchSubmitResult struct {
	TotalEvents    int             `json:"total_events"`
	Accepted       int             `json:"accepted"`
	Duplicates     int             `json:"duplicates"`
	Dropped        int             `json:"dropped"`
	Failed         int             `json:"failed"`
	ProcessingTime time.Duration   `json:"processing_time"`
	Results        []*SubmitResult `json:"results"`
	Errors         map[int]string  `json:"errors,omitempty"`
}

// ProcessorStats provides processor statistics
type ProcessorStats struct {
	StartTime             time.Time     `json:"start_time"`
	Uptime                time.Duration `json:"uptime"`
	IsRunning             bool          `json:"is_running"`
	TotalEventsSubmitted  uint64        `json:"total_events_submitted"`
	TotalDuplicates       uint64        `json:"total_duplicates"`
	TotalDropped          uint64        `json:"total_dropped"`
	TotalRejected         uint64        `json:"total_rejected"`
	TotalFindings         uint64        `json:"total_findings"`
	TotalAlertsQueued     uint64        `json:"total_alerts_queued"`
	TotalSystemAlerts     uint64        `json:"total_system_alerts"`
	HotWindowSize         int           `json:"hot_window_size"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ErrorCount            uint64        `json:"error_count"`
	LastError             *string       `json:"last_error,omitempty"`
	LastErrorTime         *time.Time    `json:"last_error_time,omitempty"`
}

// ProcessorHealth provides processor health information
type ProcessorHealth struct {
	Healthy           bool                   `json:"healthy"`
	Storage           *storage.StorageHealth `json:"storage"`
	WriterRunning     bool                   `json:"writer_running"`
	DispatcherHealthy bool                   `json:"dispatcher_healthy"`
	BreakerState      string                 `json:"breaker_state"`
	QueueDepth        int                    `json:"queue_depth"`
	DeadLetters       int                    `json:"dead_letters"`
	Issues            []string               `json:"issues,omitempty"`
}

// EventProcessor ties the write pipeline, the rule engine and alerting
// together behind the operations exposed to applications and operators.
type EventProcessor struct {
	// Dependencies
	store   storage.Storage
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	// Configuration
	config *config.Config

	// Pipeline components
	queue      *pipeline.WriteQueue
	writer     *pipeline.BatchWriter
	verifier   *integrity.Verifier
	scheduler  *archival.Scheduler
	rules      *rules.Service
	dispatcher *notification.Dispatcher
	window     *HotWindow
	evalMu     sync.Mutex
	validator  *EventValidator
	now        func() time.Time

	// State management
	mu      sync.RWMutex
	running bool
	stopped bool

	// Statistics
	statsMu   sync.Mutex
	stats     *ProcessorStats
	totalTime time.Duration
}

// NewEventProcessor wires a processor over store from cfg. metricsManager may be nil.
func NewEventProcessor(cfg *config.Config, store storage.Storage, metricsManager *metrics.Manager) (*EventProcessor, error) {
	m := metricsManager.GetPrometheusMetrics()

	hasher, err := integrity.NewHasher(cfg.Integrity.Algorithm)
	if err != nil {
		return nil, err
	}

	var dedup *pipeline.DedupCache
	if cfg.Dedup.Enabled {
		dedup = pipeline.NewDedupCache(cfg.Dedup.Window, cfg.Dedup.IncludeMetadata)
	}
	queue := pipeline.NewWriteQueue(cfg.Queue.Capacity, dedup, pipeline.NewDeadLetterQueue(cfg.Queue.DeadLetterCapacity), m)
	writer := pipeline.NewBatchWriter(queue, store, hasher, &pipeline.WriterConfig{
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	}, m)

	scheduler := archival.NewScheduler(store, &archival.Config{
		Interval:  cfg.Archival.Interval,
		Retention: cfg.Archival.Retention,
		HotWindow: cfg.Rules.HotWindow,
		BatchSize: cfg.Archival.BatchSize,
	}, m)

	dispatcher := notification.NewDispatcher(&notification.DispatcherConfig{
		Enabled:          cfg.Alerts.Enabled,
		WebhookURL:       cfg.Alerts.WebhookURL,
		SeverityFloor:    models.Severity(strings.ToUpper(cfg.Alerts.SeverityFloor)),
		Timeout:          cfg.Alerts.Timeout,
		RetryAttempts:    cfg.Alerts.RetryAttempts,
		RetryDelay:       cfg.Alerts.RetryDelay,
		MaxRetryDelay:    cfg.Alerts.MaxRetryDelay,
		FailureThreshold: cfg.Alerts.FailureThreshold,
		ResetTimeout:     cfg.Alerts.ResetTimeout,
		QueueSize:        cfg.Alerts.QueueSize,
		Workers:          cfg.Alerts.Workers,
		Headers:          cfg.Alerts.Headers,
	}, notification.NewWebhookTransport(cfg.Alerts.Headers), nil, m)

	ep := &EventProcessor{
		store:      store,
		metrics:    m,
		logger:     utils.ComponentLogger("event_processor"),
		config:     cfg,
		queue:      queue,
		writer:     writer,
		verifier:   integrity.NewVerifier(store, hasher, cfg.Integrity.VerifyPageSize, m),
		scheduler:  scheduler,
		rules:      rules.NewService(store, rules.NewFactory(), rules.NewEngine(m)),
		dispatcher: dispatcher,
		window:     NewHotWindow(cfg.Rules.HotWindowSize, cfg.Rules.HotWindow),
		validator:  NewEventValidator(),
		now:        time.Now,
		stats:      &ProcessorStats{StartTime: time.Now()},
	}

	writer.OnDeadLetter(ep.handleDeadLetters)
	return ep, nil
}

// Start loads rules, warms the hot window and starts the background components
func (ep *EventProcessor) Start(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Processor already running", "")
	}
	if ep.stopped {
		return utils.NewAppError(utils.ErrCodeInternal, "Processor was stopped", "")
	}

	ep.logger.Info("Starting event processor")

	if err := ep.seedRules(ctx); err != nil {
		return err
	}

	loadResult, err := ep.rules.LoadRules(ctx)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to load rules", err)
	}

	warmed, err := ep.window.Warm(ctx, ep.store)
	if err != nil {
		ep.logger.WithError(err).Warn("Failed to warm hot window from chain")
	}

	if err := ep.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := ep.writer.Start(ctx); err != nil {
		ep.dispatcher.Stop()
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to start batch writer", err)
	}
	if ep.config.Archival.Enabled {
		if err := ep.scheduler.Start(ctx); err != nil {
			ep.writer.Stop(ctx)
			ep.dispatcher.Stop()
			return err
		}
	}

	ep.running = true
	ep.statsMu.Lock()
	ep.stats.StartTime = ep.now()
	ep.stats.IsRunning = true
	ep.statsMu.Unlock()

	ep.logger.WithFields(logrus.Fields{
		"rules_loaded":   loadResult.Loaded,
		"rules_skipped":  loadResult.Skipped,
		"window_warmed":  warmed,
		"archival":       ep.config.Archival.Enabled,
		"alerts_enabled": ep.config.Alerts.Enabled,
	}).Info("Event processor started")
	return nil
}

// Stop drains the write queue and stops the background components
func (ep *EventProcessor) Stop(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.running {
		return nil
	}

	ep.logger.Info("Stopping event processor")
	ep.running = false
	ep.stopped = true

	// The writer goes first so dead letters raised while draining still alert.
	writerErr := ep.writer.Stop(ctx)
	if err := ep.scheduler.Stop(); err != nil {
		ep.logger.WithError(err).Warn("Failed to stop archival scheduler")
	}
	ep.dispatcher.Stop()

	ep.statsMu.Lock()
	ep.stats.IsRunning = false
	ep.statsMu.Unlock()

	ep.logger.Info("Event processor stopped")
	return writerErr
}

// IsRunning returns whether the processor is running
func (ep *EventProcessor) IsRunning() bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.running
}

// seedRules imports the configured rule pack into an empty rule store
func (ep *EventProcessor) seedRules(ctx context.Context) error {
	path := ep.config.Rules.SeedFile
	if path == "" {
		return nil
	}

	existing, err := ep.rules.ListRules(ctx, models.RuleFilter{})
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to list rules", err)
	}
	if len(existing) > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConfiguration, "Failed to read rule seed file", err)
	}
	result, err := ep.rules.ImportRules(ctx, data, "seed")
	if err != nil {
		return err
	}

	ep.logger.WithFields(logrus.Fields{
		"file":    path,
		"created": result.Created,
		"failed":  result.Failed,
	}).Info("Seeded threat rules")
	return nil
}

// normalize returns a copy of event with defaults applied
func (ep *EventProcessor) normalize(event *models.SecurityEvent) *models.SecurityEvent {
	if event == nil {
		return nil
	}
	e := event.Clone()
	e.EventType = strings.TrimSpace(e.EventType)
	e.Severity = models.Severity(strings.ToUpper(string(e.Severity)))
	if e.Severity == "" {
		e.Severity = models.SeverityMedium
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = ep.now()
	}
	e.Timestamp = integrity.NormalizeTimestamp(e.Timestamp)
	return e
}

// SubmitSecurityEvent validates event, schedules it for the chain and runs
// it through the rule engine. The chain append happens asynchronously; the
// returned job id can be polled with Job.
func (ep *EventProcessor) SubmitSecurityEvent(ctx context.Context, event *models.SecurityEvent) (*SubmitResult, error) {
	startTime := ep.now()

	normalized := ep.normalize(event)
	if err := ep.validator.ValidateEvent(normalized); err != nil {
		ep.recordRejected(err)
		return nil, err
	}

	jobID, duplicate, err := ep.queue.Enqueue(normalized)
	result := &SubmitResult{JobID: jobID, Duplicate: duplicate, Findings: []*models.RuleEvaluationResult{}}

	switch {
	case errors.Is(err, pipeline.ErrBackpressure) && ep.config.Queue.BestEffort:
		result.Dropped = true
		ep.logger.WithField("event_type", normalized.EventType).Warn("Write queue full, event not logged")
	case err != nil:
		ep.recordRejected(err)
		return nil, err
	}

	// Duplicates are kept out of the chain but still feed detection.
	ep.evaluate(ctx, normalized, result)

	result.ProcessingTime = ep.now().Sub(startTime)
	ep.updateStats(result, result.ProcessingTime)

	ep.logger.WithFields(logrus.Fields{
		"job_id":     result.JobID,
		"event_type": normalized.EventType,
		"findings":   len(result.Findings),
	}).Debug("Security event submitted")
	return result, nil
}

// SubmitSecurityEvents submits events in order. Failures are reported per
// index and do not stop the batch.
func (ep *EventProcessor) SubmitSecurityEvents(ctx context.Context, events []*models.SecurityEvent) (*BatchSubmitResult, error) {
	startTime := ep.now()

	result := &BatchSubmitResult{
		TotalEvents: len(events),
		Results:     make([]*SubmitResult, len(events)),
		Errors:      make(map[int]string),
	}

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		submitted, err := ep.SubmitSecurityEvent(ctx, event)
		if err != nil {
			result.Failed++
			result.Errors[i] = err.Error()
			continue
		}

		result.Results[i] = submitted
		switch {
		case submitted.Duplicate:
			result.Duplicates++
		case submitted.Dropped:
			result.Dropped++
		default:
			result.Accepted++
		}
	}

	result.ProcessingTime = ep.now().Sub(startTime)
	return result, nil
}

// evaluate runs the rule engine over event and routes the findings
func (ep *EventProcessor) evaluate(ctx context.Context, event *models.SecurityEvent, result *SubmitResult) {
	ep.evalMu.Lock()
	recent := ep.window.Recent(event.Timestamp)
	findings := ep.rules.Engine().Evaluate(ctx, event, recent)
	ep.window.Add(event)
	ep.evalMu.Unlock()

	for _, finding := range findings {
		result.Findings = append(result.Findings, finding)

		if finding.Testing {
			ep.logger.WithFields(logrus.Fields{
				"rule_id":    finding.RuleID,
				"event_type": event.EventType,
				"score":      finding.Score,
			}).Info("Testing rule matched")
			continue
		}

		ep.logger.WithFields(logrus.Fields{
			"rule_id":    finding.RuleID,
			"rule_name":  finding.RuleName,
			"severity":   finding.Severity,
			"score":      finding.Score,
			"event_type": event.EventType,
		}).Warn("Threat detected")

		if ep.dispatcher.ShouldDispatch(finding) && ep.dispatcher.DispatchAsync(notification.NewAlert(finding, event)) {
			result.AlertsQueued++
		}
		if ep.config.Rules.LogFindings {
			ep.logFinding(finding, event)
		}
	}
}

// logFinding appends a THREAT_DETECTED entry so findings are part of the chain
func (ep *EventProcessor) logFinding(finding *models.RuleEvaluationResult, source *models.SecurityEvent) {
	metadata := map[string]interface{}{
		"ruleId":          finding.RuleID,
		"ruleName":        finding.RuleName,
		"score":           finding.Score,
		"reason":          finding.Reason,
		"sourceEventType": source.EventType,
	}
	if len(finding.SuggestedActions) > 0 {
		metadata["suggestedActions"] = finding.SuggestedActions
	}

	entry := &models.SecurityEvent{
		EventType: ThreatDetectedEventType,
		Severity:  finding.Severity,
		Timestamp: integrity.NormalizeTimestamp(finding.EvaluatedAt),
		Actor:     source.Actor,
		Metadata:  metadata,
	}
	if _, _, err := ep.queue.Enqueue(entry); err != nil {
		ep.logger.WithFields(logrus.Fields{
			"rule_id": finding.RuleID,
			"error":   err.Error(),
		}).Warn("Failed to log threat finding")
	}
}

// handleDeadLetters raises an operator alert for writes that exhausted their retries
func (ep *EventProcessor) handleDeadLetters(jobs []*models.EnqueuedWrite, err error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	ep.raiseSystemAlert("dead_letter", "Chain writes dead-lettered", models.SeverityHigh,
		fmt.Sprintf("%d writes exhausted their retries: %v", len(jobs), err),
		map[string]interface{}{"jobIds": ids, "count": len(jobs), "error": err.Error()})
}

// raiseSystemAlert logs and dispatches an alert that no rule produced
func (ep *EventProcessor) raiseSystemAlert(kind, name string, severity models.Severity, reason string, evidence map[string]interface{}) {
	finding := &models.RuleEvaluationResult{
		RuleID:      "system." + kind,
		RuleName:    name,
		Matched:     true,
		Severity:    severity,
		Score:       100,
		Reason:      reason,
		Evidence:    evidence,
		EvaluatedAt: ep.now().UTC(),
	}

	ep.statsMu.Lock()
	ep.stats.TotalSystemAlerts++
	ep.statsMu.Unlock()

	ep.logger.WithFields(logrus.Fields{
		"alert":    finding.RuleID,
		"severity": severity,
		"reason":   reason,
	}).Error("System alert raised")

	if ep.dispatcher.ShouldDispatch(finding) {
		ep.dispatcher.DispatchAsync(notification.NewAlert(finding, nil))
	}
}

// QueryLog returns a page of committed entries matching filter, newest first
func (ep *EventProcessor) QueryLog(ctx context.Context, filter models.LogFilter) (*models.LogPage, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid time range", "from must not be after to")
	}
	if filter.Severity != nil && !filter.Severity.Valid() {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid severity", string(*filter.Severity))
	}
	filter.Normalize()

	entries, total, err := ep.store.QueryEntries(ctx, filter)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to query log", err)
	}
	return models.NewLogPage(entries, total, filter), nil
}

// VerifyChainIntegrity verifies the whole chain. A broken chain raises a
// critical system alert; the result is returned either way.
func (ep *EventProcessor) VerifyChainIntegrity(ctx context.Context) (*integrity.VerificationResult, error) {
	result, err := ep.verifier.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	ep.checkVerification(result)
	return result, nil
}

// VerifyChainRange verifies entries fromSeq..toSeq; toSeq 0 means the tail
func (ep *EventProcessor) VerifyChainRange(ctx context.Context, fromSeq, toSeq int64) (*integrity.VerificationResult, error) {
	result, err := ep.verifier.VerifyRange(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	ep.checkVerification(result)
	return result, nil
}

func (ep *EventProcessor) checkVerification(result *integrity.VerificationResult) {
	if result.Valid {
		return
	}
	evidence := map[string]interface{}{
		"reason":         result.Reason,
		"entriesChecked": result.EntriesChecked,
	}
	if result.FirstInvalidSequence != nil {
		evidence["firstInvalidSequence"] = *result.FirstInvalidSequence
	}
	ep.raiseSystemAlert("integrity", "Chain integrity violation", models.SeverityCritical, result.Reason, evidence)
}

// ArchiveOldEntries runs one archival pass now
func (ep *EventProcessor) ArchiveOldEntries(ctx context.Context) (*archival.ArchiveResult, error) {
	return ep.scheduler.RunOnce(ctx)
}

// ArchivalStats returns archival scheduler statistics
func (ep *EventProcessor) ArchivalStats() archival.Stats {
	return ep.scheduler.GetStats()
}

// ChainStats summarizes the stored chain
func (ep *EventProcessor) ChainStats(ctx context.Context) (*storage.ChainStats, error) {
	stats, err := ep.store.GetChainStats(ctx)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read chain stats", err)
	}
	return stats, nil
}

// CreateRule validates, stores and registers a rule
func (ep *EventProcessor) CreateRule(ctx context.Context, rule *models.ThreatRule) (*models.ThreatRule, error) {
	return ep.rules.CreateRule(ctx, rule)
}

// UpdateRule replaces rule id and hot swaps it in the engine
func (ep *EventProcessor) UpdateRule(ctx context.Context, id string, rule *models.ThreatRule) (*models.ThreatRule, error) {
	return ep.rules.UpdateRule(ctx, id, rule)
}

// DeleteRule removes rule id
func (ep *EventProcessor) DeleteRule(ctx context.Context, id string) error {
	return ep.rules.DeleteRule(ctx, id)
}

// GetRule returns rule id
func (ep *EventProcessor) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	return ep.rules.GetRule(ctx, id)
}

// ListRules returns the stored rules matching filter
func (ep *EventProcessor) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	return ep.rules.ListRules(ctx, filter)
}

// ImportRules upserts a YAML rule pack
func (ep *EventProcessor) ImportRules(ctx context.Context, data []byte, importedBy string) (*rules.ImportResult, error) {
	return ep.rules.ImportRules(ctx, data, importedBy)
}

// TestRule evaluates rule id against event without recording anything.
// When recent is nil the hot window supplies the context.
func (ep *EventProcessor) TestRule(ctx context.Context, id string, event *models.SecurityEvent, recent []*models.SecurityEvent) (*models.RuleEvaluationResult, error) {
	normalized := ep.normalize(event)
	if err := ep.validator.ValidateEvent(normalized); err != nil {
		return nil, err
	}
	if recent == nil {
		recent = ep.window.Recent(normalized.Timestamp)
	}
	return ep.rules.TestRule(ctx, id, normalized, recent)
}

// GetEngineMetrics returns rule engine statistics
func (ep *EventProcessor) GetEngineMetrics() *rules.EngineMetrics {
	return ep.rules.Engine().Metrics()
}

// QueueStats returns write queue statistics
func (ep *EventProcessor) QueueStats() *pipeline.QueueStats {
	return ep.queue.Stats()
}

// Job returns the state of a pending or dead-lettered write
func (ep *EventProcessor) Job(id string) (*models.EnqueuedWrite, error) {
	job, ok := ep.queue.Job(id)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Job not found", id)
	}
	return job, nil
}

// DeadLetters lists writes that exhausted their retries
func (ep *EventProcessor) DeadLetters() []*models.EnqueuedWrite {
	return ep.queue.DeadLetters().List()
}

// BreakerStats returns alert circuit breaker statistics
func (ep *EventProcessor) BreakerStats() notification.BreakerStats {
	return ep.dispatcher.BreakerStats()
}

// DispatcherStats returns alert dispatcher statistics
func (ep *EventProcessor) DispatcherStats() *notification.DispatcherStats {
	return ep.dispatcher.GetStats()
}

// recordRejected records a submission that never reached the queue
func (ep *EventProcessor) recordRejected(err error) {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()

	ep.stats.TotalRejected++
	ep.stats.ErrorCount++
	errorStr := err.Error()
	ep.stats.LastError = &errorStr
	now := ep.now()
	ep.stats.LastErrorTime = &now
}

// updateStats updates processor statistics
func (ep *EventProcessor) updateStats(result *SubmitResult, took time.Duration) {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()

	ep.stats.TotalEventsSubmitted++
	if result.Duplicate {
		ep.stats.TotalDuplicates++
	}
	if result.Dropped {
		ep.stats.TotalDropped++
	}
	ep.stats.TotalFindings += uint64(len(result.Findings))
	ep.stats.TotalAlertsQueued += uint64(result.AlertsQueued)

	ep.totalTime += took
	ep.stats.AverageProcessingTime = ep.totalTime / time.Duration(ep.stats.TotalEventsSubmitted)
}

// GetStats returns processor statistics
func (ep *EventProcessor) GetStats() *ProcessorStats {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()

	stats := *ep.stats
	if stats.IsRunning {
		stats.Uptime = ep.now().Sub(stats.StartTime)
	}
	stats.HotWindowSize = ep.window.Len()
	return &stats
}

// GetHealth returns processor health information
func (ep *EventProcessor) GetHealth() *ProcessorHealth {
	queueStats := ep.queue.Stats()
	breaker := ep.dispatcher.BreakerStats()

	health := &ProcessorHealth{
		Healthy:           true,
		Storage:           ep.store.GetHealth(),
		WriterRunning:     ep.writer.IsRunning(),
		DispatcherHealthy: ep.dispatcher.IsHealthy(),
		BreakerState:      breaker.State.String(),
		QueueDepth:        queueStats.Depth,
		DeadLetters:       queueStats.DeadLetters,
	}

	if health.Storage == nil || !health.Storage.Healthy {
		health.Healthy = false
		health.Issues = append(health.Issues, "storage is unhealthy")
	}
	if !ep.IsRunning() {
		health.Healthy = false
		health.Issues = append(health.Issues, "processor is not running")
	} else if !health.WriterRunning {
		health.Healthy = false
		health.Issues = append(health.Issues, "batch writer is not running")
	}
	if ep.config.Alerts.Enabled && breaker.State == notification.StateOpen {
		health.Issues = append(health.Issues, "alert circuit breaker is open")
	}
	if queueStats.Capacity > 0 && queueStats.Depth*10 >= queueStats.Capacity*9 {
		health.Issues = append(health.Issues, "write queue is above 90% capacity")
	}
	if queueStats.DeadLetters > 0 {
		health.Issues = append(health.Issues, fmt.Sprintf("%d dead-lettered writes", queueStats.DeadLetters))
	}
	return health
}
