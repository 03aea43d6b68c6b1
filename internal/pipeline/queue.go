package pipeline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

var (
	// ErrBackpressure is returned when the queue is at capacity
	ErrBackpressure = utils.NewAppError(utils.ErrCodeBackpressure, "write queue is full")
	// ErrQueueClosed is returned after the queue stopped accepting writes
	ErrQueueClosed = utils.NewAppError(utils.ErrCodeProcessing, "write queue is closed")
)

// QueueStats provides write queue statistics
type QueueStats struct {
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
	InFlight    int    `json:"in_flight"`
	Enqueued    uint64 `json:"enqueued"`
	Rejected    uint64 `json:"rejected"`
	Duplicates  uint64 `json:"duplicates"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	DeadLetters int    `json:"dead_letters"`
}

// WriteQueue accepts security events for asynchronous, ordered appends to the chain.
// Enqueue never blocks: a full queue is reported as backpressure.
type WriteQueue struct {
	mu     sync.Mutex
	ch     chan *models.EnqueuedWrite
	jobs   map[string]*models.EnqueuedWrite
	closed bool

	dedup       *DedupCache
	deadLetters *DeadLetterQueue
	metrics     *metrics.PrometheusMetrics
	logger      *logrus.Entry
	now         func() time.Time

	enqueued   uint64
	rejected   uint64
	duplicates uint64
	completed  uint64
	failed     uint64
}

// NewWriteQueue creates a queue holding at most capacity waiting writes.
// dedup may be nil to disable duplicate detection.
func NewWriteQueue(capacity int, dedup *DedupCache, deadLetters *DeadLetterQueue, m *metrics.PrometheusMetrics) *WriteQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	if deadLetters == nil {
		deadLetters = NewDeadLetterQueue(0)
	}
	return &WriteQueue{
		ch:          make(chan *models.EnqueuedWrite, capacity),
		jobs:        make(map[string]*models.EnqueuedWrite),
		dedup:       dedup,
		deadLetters: deadLetters,
		metrics:     m,
		logger:      utils.ComponentLogger("write_queue"),
		now:         time.Now,
	}
}

// Enqueue schedules event for appending and returns its job id. A repeat of
// an event already accepted inside the dedup window returns the original job
// id with duplicate set and nothing new is scheduled.
func (q *WriteQueue) Enqueue(event *models.SecurityEvent) (jobID string, duplicate bool, err error) {
	if event == nil {
		return "", false, utils.NewAppError(utils.ErrCodeValidation, "event is required")
	}

	key := q.dedup.Key(event)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.metrics.RecordEventSubmitted("rejected")
		return "", false, ErrQueueClosed
	}

	if existing, ok := q.dedup.Lookup(key); ok {
		q.duplicates++
		q.metrics.RecordEventSubmitted("duplicate")
		return existing, true, nil
	}

	job := &models.EnqueuedWrite{
		ID:             utils.NewJobID(),
		Payload:        event.Clone(),
		IdempotencyKey: key,
		EnqueuedAt:     q.now().UTC(),
		State:          models.JobWaiting,
	}

	select {
	case q.ch <- job:
	default:
		q.rejected++
		q.metrics.RecordEventSubmitted("rejected")
		q.logger.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"capacity":   cap(q.ch),
		}).Warn("Write queue full, rejecting event")
		return "", false, ErrBackpressure
	}

	q.jobs[job.ID] = job
	q.dedup.Remember(key, job.ID)
	q.enqueued++
	q.metrics.RecordEventSubmitted("accepted")
	q.metrics.UpdateQueueDepth(len(q.ch))

	return job.ID, false, nil
}

// Job returns a copy of a waiting, active or dead-lettered job.
// Completed jobs are forgotten.
func (q *WriteQueue) Job(id string) (*models.EnqueuedWrite, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	var snapshot *models.EnqueuedWrite
	if ok {
		snapshot = job.Snapshot()
	}
	q.mu.Unlock()

	if ok {
		return snapshot, true
	}
	return q.deadLetters.Get(id)
}

// Stats returns queue statistics
func (q *WriteQueue) Stats() *QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return &QueueStats{
		Depth:       len(q.ch),
		Capacity:    cap(q.ch),
		InFlight:    len(q.jobs),
		Enqueued:    q.enqueued,
		Rejected:    q.rejected,
		Duplicates:  q.duplicates,
		Completed:   q.completed,
		Failed:      q.failed,
		DeadLetters: q.deadLetters.Len(),
	}
}

// DeadLetters returns the dead letter queue
func (q *WriteQueue) DeadLetters() *DeadLetterQueue {
	return q.deadLetters
}

// Close stops accepting writes. Jobs already queued are still delivered to the writer.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close was called
func (q *WriteQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *WriteQueue) jobsChan() <-chan *models.EnqueuedWrite {
	return q.ch
}

func (q *WriteQueue) markActive(jobs []*models.EnqueuedWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		job.State = models.JobActive
		job.Attempts++
	}
	q.metrics.UpdateQueueDepth(len(q.ch))
}

func (q *WriteQueue) recordFailure(jobs []*models.EnqueuedWrite, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		job.LastError = err.Error()
	}
}

func (q *WriteQueue) complete(jobs []*models.EnqueuedWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		job.State = models.JobCompleted
		delete(q.jobs, job.ID)
	}
	q.completed += uint64(len(jobs))
}

func (q *WriteQueue) fail(jobs []*models.EnqueuedWrite, err error) {
	now := q.now().UTC()

	q.mu.Lock()
	for _, job := range jobs {
		job.State = models.JobFailed
		job.LastError = err.Error()
		job.FailedAt = &now
		delete(q.jobs, job.ID)
		q.dedup.Forget(job.IdempotencyKey)
	}
	q.deadLetters.Add(jobs...)
	q.failed += uint64(len(jobs))
	q.mu.Unlock()

	q.metrics.RecordDeadLetters(len(jobs))
}
