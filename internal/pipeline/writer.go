package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// ChainAppender is the part of the chain store the writer needs
type ChainAppender interface {
	Tail(ctx context.Context) (models.ChainTail, error)
	AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error
}

// WriterConfig holds batch writer configuration
type WriterConfig struct {
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	MaxAttempts   int           `json:"max_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// DefaultWriterConfig returns the default writer configuration
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		BatchSize:     50,
		FlushInterval: 200 * time.Millisecond,
		MaxAttempts:   5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// DeadLetterHandler is notified when a batch exhausts its retries
type DeadLetterHandler func(jobs []*models.EnqueuedWrite, err error)

// BatchWriter is the single owner of the chain tail. It drains the write
// queue, links each batch onto the current tail and commits it in one store
// transaction.
type BatchWriter struct {
	queue   *WriteQueue
	store   ChainAppender
	hasher  *integrity.Hasher
	config  *WriterConfig
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	onDeadLetter DeadLetterHandler

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	batchesCommitted atomic.Uint64
	entriesCommitted atomic.Uint64
	lastSequence     atomic.Int64
}

// NewBatchWriter creates a writer draining queue into store
func NewBatchWriter(queue *WriteQueue, store ChainAppender, hasher *integrity.Hasher, cfg *WriterConfig, m *metrics.PrometheusMetrics) *BatchWriter {
	if cfg == nil {
		cfg = DefaultWriterConfig()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	return &BatchWriter{
		queue:   queue,
		store:   store,
		hasher:  hasher,
		config:  cfg,
		metrics: m,
		logger:  utils.ComponentLogger("batch_writer"),
		done:    make(chan struct{}),
	}
}

// OnDeadLetter registers a handler called after jobs are dead-lettered
func (w *BatchWriter) OnDeadLetter(handler DeadLetterHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDeadLetter = handler
}

// Start launches the writer goroutine
func (w *BatchWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("batch writer is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.running = true

	go w.run(runCtx)

	w.logger.WithFields(logrus.Fields{
		"batch_size":     w.config.BatchSize,
		"flush_interval": w.config.FlushInterval,
		"max_attempts":   w.config.MaxAttempts,
	}).Info("Batch writer started")
	return nil
}

// Stop closes the queue and waits for the writer to flush what is left.
// If ctx expires first, in-flight retries are abandoned.
func (w *BatchWriter) Stop(ctx context.Context) error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return nil
	}

	var err error
	w.stopOnce.Do(func() {
		w.queue.Close()

		select {
		case <-w.done:
		case <-ctx.Done():
			w.cancel()
			<-w.done
			err = fmt.Errorf("batch writer stopped before draining: %w", ctx.Err())
		}
		w.cancel()

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()

		w.logger.WithFields(logrus.Fields{
			"batches_committed": w.batchesCommitted.Load(),
			"entries_committed": w.entriesCommitted.Load(),
		}).Info("Batch writer stopped")
	})
	return err
}

// IsRunning returns whether the writer goroutine is active
func (w *BatchWriter) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// BatchesCommitted returns the number of successful flushes
func (w *BatchWriter) BatchesCommitted() uint64 {
	return w.batchesCommitted.Load()
}

// LastSequence returns the sequence number of the last entry committed by this writer
func (w *BatchWriter) LastSequence() int64 {
	return w.lastSequence.Load()
}

func (w *BatchWriter) run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.jobsChan()
	batch := make([]*models.EnqueuedWrite, 0, w.config.BatchSize)

	timer := time.NewTimer(w.config.FlushInterval)
	timer.Stop()

	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				if len(batch) > 0 {
					w.flush(ctx, batch)
				}
				return
			}
			if len(batch) == 0 {
				timer.Reset(w.config.FlushInterval)
			}
			batch = append(batch, job)
			if len(batch) >= w.config.BatchSize {
				timer.Stop()
				w.flush(ctx, batch)
				batch = make([]*models.EnqueuedWrite, 0, w.config.BatchSize)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = make([]*models.EnqueuedWrite, 0, w.config.BatchSize)
			}
		}
	}
}

// flush commits batch, retrying with backoff, and dead-letters it when every attempt failed
func (w *BatchWriter) flush(ctx context.Context, batch []*models.EnqueuedWrite) {
	var lastErr error

	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := w.calculateRetryDelay(attempt)
			w.logger.WithFields(logrus.Fields{
				"attempt":      attempt,
				"max_attempts": w.config.MaxAttempts,
				"delay":        delay,
				"batch_size":   len(batch),
			}).Warn("Retrying batch append")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				w.deadLetter(batch, lastErr)
				return
			}
		}

		w.queue.markActive(batch)

		start := time.Now()
		tail, err := w.commit(ctx, batch)
		if err == nil {
			w.metrics.RecordBatchFlush("success", len(batch), time.Since(start))
			w.metrics.UpdateChainTail(tail)
			w.queue.complete(batch)
			w.batchesCommitted.Add(1)
			w.entriesCommitted.Add(uint64(len(batch)))
			w.lastSequence.Store(tail)

			w.logger.WithFields(logrus.Fields{
				"entries":  len(batch),
				"tail":     tail,
				"attempt":  attempt,
				"duration": time.Since(start),
			}).Debug("Batch committed")
			return
		}

		lastErr = err
		w.metrics.RecordBatchFlush("error", len(batch), time.Since(start))
		w.queue.recordFailure(batch, err)
	}

	w.deadLetter(batch, lastErr)
}

// commit links batch onto the current tail and appends it. It returns the new tail sequence.
func (w *BatchWriter) commit(ctx context.Context, batch []*models.EnqueuedWrite) (int64, error) {
	tail, err := w.store.Tail(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain tail: %w", err)
	}

	entries, err := w.buildEntries(tail, batch)
	if err != nil {
		return 0, err
	}

	if err := w.store.AppendBatch(ctx, tail.SequenceNumber, entries); err != nil {
		return 0, fmt.Errorf("failed to append batch after sequence %d: %w", tail.SequenceNumber, err)
	}
	return entries[len(entries)-1].SequenceNumber, nil
}

func (w *BatchWriter) buildEntries(tail models.ChainTail, batch []*models.EnqueuedWrite) ([]*models.LogEntry, error) {
	entries := make([]*models.LogEntry, 0, len(batch))
	prevHash := tail.Hash
	seq := tail.SequenceNumber
	now := time.Now().UTC()

	for _, job := range batch {
		seq++
		event := job.Payload
		entry := &models.LogEntry{
			ID:             job.ID,
			SequenceNumber: seq,
			EventType:      event.EventType,
			Severity:       event.Severity,
			Timestamp:      integrity.NormalizeTimestamp(event.Timestamp),
			Actor:          event.Actor,
			Metadata:       event.Metadata,
			PreviousHash:   prevHash,
			CreatedAt:      now,
		}

		hash, err := w.hasher.ComputeHash(entry, prevHash)
		if err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeIntegrity, fmt.Sprintf("failed to hash entry %d", seq), err)
		}
		entry.Hash = hash
		prevHash = hash
		entries = append(entries, entry)
	}
	return entries, nil
}

func (w *BatchWriter) deadLetter(batch []*models.EnqueuedWrite, err error) {
	w.queue.fail(batch, err)

	ids := make([]string, len(batch))
	for i, job := range batch {
		ids[i] = job.ID
	}
	w.logger.WithFields(logrus.Fields{
		"jobs":     ids,
		"attempts": w.config.MaxAttempts,
		"error":    err.Error(),
	}).Error("Batch exhausted retries, moved to dead letter queue")

	w.mu.Lock()
	handler := w.onDeadLetter
	w.mu.Unlock()
	if handler != nil {
		snapshots := make([]*models.EnqueuedWrite, len(batch))
		for i, job := range batch {
			snapshots[i] = job.Snapshot()
		}
		handler(snapshots, err)
	}
}

// calculateRetryDelay returns retry_delay << (retry-1) capped at max_retry_delay,
// where retry counts from 1 for the second attempt.
func (w *BatchWriter) calculateRetryDelay(attempt int) time.Duration {
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	delay := w.config.RetryDelay << uint(shift)
	if delay <= 0 || delay > w.config.MaxRetryDelay {
		delay = w.config.MaxRetryDelay
	}
	return delay
}
