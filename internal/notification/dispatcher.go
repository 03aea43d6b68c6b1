// File: internal/notification/dispatcher.go
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Notifier defines the alert delivery interface
type Notifier interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool

	// Delivery
	Dispatch(ctx context.Context, alert *models.AlertPayload) error
	DispatchAsync(alert *models.AlertPayload) bool
	ShouldDispatch(finding *models.RuleEvaluationResult) bool

	// Statistics
	GetStats() *DispatcherStats
	BreakerStats() BreakerStats
}

// DispatcherConfig holds alert dispatcher configuration
type DispatcherConfig struct {
	Enabled          bool              `json:"enabled"`
	WebhookURL       string            `json:"webhook_url"`
	SeverityFloor    models.Severity   `json:"severity_floor"`
	Timeout          time.Duration     `json:"timeout"`
	RetryAttempts    int               `json:"retry_attempts"`
	RetryDelay       time.Duration     `json:"retry_delay"`
	MaxRetryDelay    time.Duration     `json:"max_retry_delay"`
	FailureThreshold int               `json:"failure_threshold"`
	ResetTimeout     time.Duration     `json:"reset_timeout"`
	QueueSize        int               `json:"queue_size"`
	Workers          int               `json:"workers"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// DispatcherStats provides dispatcher statistics
type DispatcherStats struct {
	TotalDispatched     uint64        `json:"total_dispatched"`
	TotalDelivered      uint64        `json:"total_delivered"`
	TotalFailed         uint64        `json:"total_failed"`
	TotalRejected       uint64        `json:"total_rejected"`
	TotalDropped        uint64        `json:"total_dropped"`
	TotalAttempts       uint64        `json:"total_attempts"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	QueueLength         int           `json:"queue_length"`
	LastError           *string       `json:"last_error,omitempty"`
	LastErrorTime       *time.Time    `json:"last_error_time,omitempty"`
}

// Dispatcher delivers alerts through a circuit breaker with bounded retries.
// Delivery is best effort: failures are logged and counted, never returned to
// the event path when DispatchAsync is used.
type Dispatcher struct {
	config    *DispatcherConfig
	transport Transport
	breaker   *CircuitBreaker
	metrics   *metrics.PrometheusMetrics
	logger    *logrus.Entry

	mu       sync.RWMutex
	running  bool
	closed   bool
	queue    chan *models.AlertPayload
	wg       sync.WaitGroup
	stopOnce sync.Once

	statsMu sync.Mutex
	stats   *DispatcherStats
}

// NewDispatcher creates an alert dispatcher. clock may be nil.
func NewDispatcher(config *DispatcherConfig, transport Transport, clock func() time.Time, m *metrics.PrometheusMetrics) *Dispatcher {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = config.RetryDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if !config.SeverityFloor.Valid() {
		config.SeverityFloor = models.SeverityHigh
	}

	d := &Dispatcher{
		config:    config,
		transport: transport,
		breaker: NewCircuitBreaker(BreakerConfig{
			FailureThreshold: config.FailureThreshold,
			ResetTimeout:     config.ResetTimeout,
		}, clock),
		metrics: m,
		logger:  utils.ComponentLogger("alert_dispatcher"),
		queue:   make(chan *models.AlertPayload, config.QueueSize),
		stats:   &DispatcherStats{},
	}

	d.breaker.OnStateChange(func(from, to BreakerState) {
		d.metrics.UpdateCircuitBreakerState(int(to))
		entry := d.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()})
		if to == StateOpen {
			entry.Error("Alert circuit breaker opened")
		} else {
			entry.Info("Alert circuit breaker state changed")
		}
	})
	return d
}

// Breaker returns the dispatcher's circuit breaker
func (d *Dispatcher) Breaker() *CircuitBreaker {
	return d.breaker
}

// Start starts the delivery workers
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Alert dispatcher already running", "")
	}
	if d.closed {
		return utils.NewAppError(utils.ErrCodeInternal, "Alert dispatcher was stopped", "")
	}

	d.running = true
	workerCtx := context.WithoutCancel(ctx)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(workerCtx, i)
	}

	d.logger.WithFields(logrus.Fields{
		"enabled":        d.config.Enabled,
		"workers":        d.config.Workers,
		"severity_floor": d.config.SeverityFloor,
	}).Info("Alert dispatcher started")
	return nil
}

// Stop stops accepting alerts and waits for queued alerts to be attempted
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		wasRunning := d.running
		d.running = false
		close(d.queue)
		d.mu.Unlock()

		if wasRunning {
			d.wg.Wait()
		}
		d.logger.Info("Alert dispatcher stopped")
	})
	return nil
}

// IsHealthy returns whether the dispatcher is running with a closed breaker
func (d *Dispatcher) IsHealthy() bool {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	return running && d.breaker.State() != StateOpen
}

// ShouldDispatch reports whether finding is eligible for delivery
func (d *Dispatcher) ShouldDispatch(finding *models.RuleEvaluationResult) bool {
	if !d.config.Enabled || d.config.WebhookURL == "" || finding == nil {
		return false
	}
	if finding.Testing {
		return false
	}
	return finding.Severity.AtLeast(d.config.SeverityFloor)
}

// DispatchAsync queues alert for the workers. It never blocks; when the
// queue is full the alert is dropped and false is returned.
func (d *Dispatcher) DispatchAsync(alert *models.AlertPayload) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.recordDrop(alert, "dispatcher stopped")
		return false
	}

	select {
	case d.queue <- alert:
		return true
	default:
		d.recordDrop(alert, "queue full")
		return false
	}
}

// Dispatch delivers alert synchronously. An OPEN breaker fails fast with
// ErrCircuitOpen before any network call. Otherwise each attempt is gated
// by the breaker and every failure is recorded on it.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.AlertPayload) error {
	startTime := time.Now()
	var lastErr error

	for attempt := 1; attempt <= d.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := d.calculateRetryDelay(attempt)
			d.logger.WithFields(logrus.Fields{
				"alert_id":     alert.ID,
				"attempt":      attempt,
				"max_attempts": d.config.RetryAttempts,
				"delay":        delay,
			}).Warn("Alert delivery failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				d.updateStats(startTime, attempt-1, lastErr)
				return lastErr
			}
		}

		if err := d.breaker.Allow(); err != nil {
			d.recordRejected(alert, attempt-1, startTime)
			return ErrCircuitOpen
		}

		err := d.transport.Post(ctx, d.config.WebhookURL, alert, d.config.Timeout)
		if err == nil {
			d.breaker.RecordSuccess()
			d.updateStats(startTime, attempt, nil)
			d.metrics.RecordAlertDispatch("delivered", time.Since(startTime))
			return nil
		}

		d.breaker.RecordFailure()
		lastErr = err
	}

	d.updateStats(startTime, d.config.RetryAttempts, lastErr)
	d.metrics.RecordAlertDispatch("failed", time.Since(startTime))
	d.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"attempts": d.config.RetryAttempts,
		"error":    lastErr.Error(),
	}).Error("Alert delivery failed")
	return lastErr
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for alert := range d.queue {
		if err := d.Dispatch(ctx, alert); err != nil {
			d.logger.WithFields(logrus.Fields{
				"worker":   id,
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Debug("Queued alert not delivered")
		}
	}
}

// calculateRetryDelay returns retry_delay doubled per retry, capped at max_retry_delay
func (d *Dispatcher) calculateRetryDelay(attempt int) time.Duration {
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	delay := time.Duration(int64(d.config.RetryDelay) << uint(shift))
	if delay <= 0 || delay > d.config.MaxRetryDelay {
		delay = d.config.MaxRetryDelay
	}
	return delay
}

// updateStats updates dispatcher statistics
func (d *Dispatcher) updateStats(startTime time.Time, attempts int, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.stats.TotalDispatched++
	d.stats.TotalAttempts += uint64(attempts)

	if err != nil {
		d.stats.TotalFailed++
		errorStr := err.Error()
		d.stats.LastError = &errorStr
		now := time.Now()
		d.stats.LastErrorTime = &now
	} else {
		d.stats.TotalDelivered++
	}

	// Update average response time
	responseTime := time.Since(startTime)
	if d.stats.TotalDispatched == 1 {
		d.stats.AverageResponseTime = responseTime
	} else {
		d.stats.AverageResponseTime = (d.stats.AverageResponseTime + responseTime) / 2
	}
}

func (d *Dispatcher) recordRejected(alert *models.AlertPayload, attempts int, startTime time.Time) {
	d.statsMu.Lock()
	d.stats.TotalDispatched++
	d.stats.TotalRejected++
	d.stats.TotalAttempts += uint64(attempts)
	d.statsMu.Unlock()

	d.metrics.RecordAlertDispatch("rejected", time.Since(startTime))
	d.logger.WithField("alert_id", alert.ID).Warn("Alert rejected by open circuit breaker")
}

func (d *Dispatcher) recordDrop(alert *models.AlertPayload, reason string) {
	d.statsMu.Lock()
	d.stats.TotalDropped++
	d.statsMu.Unlock()

	d.metrics.RecordAlertDispatch("dropped", 0)
	d.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"reason":   reason,
	}).Warn("Alert dropped")
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() *DispatcherStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	stats := *d.stats
	stats.QueueLength = len(d.queue)
	return &stats
}

// BreakerStats returns circuit breaker statistics
func (d *Dispatcher) BreakerStats() BreakerStats {
	return d.breaker.Stats()
}

// NewAlert builds the payload delivered for finding
func NewAlert(finding *models.RuleEvaluationResult, event *models.SecurityEvent) *models.AlertPayload {
	return &models.AlertPayload{
		ID:        utils.NewJobID(),
		Source:    "security-event-chain",
		Timestamp: time.Now().UTC(),
		Finding:   finding,
		Event:     event,
		Version:   "1.0",
	}
}
