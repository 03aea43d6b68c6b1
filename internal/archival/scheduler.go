package archival

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Store is the part of the chain store archival needs
type Store interface {
	Tail(ctx context.Context) (models.ChainTail, error)
	FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error)
	MarkArchived(ctx context.Context, seqs []int64) (int64, error)
}

// Config holds archival scheduler configuration
type Config struct {
	Interval  time.Duration `json:"interval"`
	Retention time.Duration `json:"retention"`
	HotWindow time.Duration `json:"hot_window"`
	BatchSize int           `json:"batch_size"`
}

// ArchiveResult contains the outcome of one archival pass
type ArchiveResult struct {
	ArchivedCount int64         `json:"archived_count"`
	Cutoff        time.Time     `json:"cutoff"`
	MaxSequence   int64         `json:"max_sequence"`
	Duration      time.Duration `json:"duration"`
}

// Stats provides scheduler statistics
type Stats struct {
	Runs          uint64     `json:"runs"`
	TotalArchived int64      `json:"total_archived"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	IsRunning     bool       `json:"is_running"`
}

// Scheduler periodically flags old chain entries as archived. Archival only
// sets the archived flag; hashes and links are never touched, so the chain
// keeps verifying end to end.
type Scheduler struct {
	store   Store
	config  *Config
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	now     func() time.Time

	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	// runMu serialises passes triggered by the ticker and by operators
	runMu sync.Mutex
	stats Stats
}

// NewScheduler creates an archival scheduler
func NewScheduler(store Store, config *Config, m *metrics.PrometheusMetrics) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	return &Scheduler{
		store:    store,
		config:   config,
		metrics:  m,
		logger:   utils.ComponentLogger("archival"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start starts the periodic archival loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Archival scheduler already running")
	}
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.WithFields(logrus.Fields{
		"interval":  s.config.Interval,
		"retention": s.config.Retention,
	}).Info("Archival scheduler started")
	return nil
}

// Stop stops the archival loop and waits for an in-progress pass to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.logger.Info("Archival scheduler stopped")
	return nil
}

// IsRunning returns whether the loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Cutoff returns the timestamp before which entries are archivable.
// Entries inside the rule engine's hot window are never archived.
func (s *Scheduler) Cutoff() time.Time {
	keep := s.config.Retention
	if s.config.HotWindow > keep {
		keep = s.config.HotWindow
	}
	return s.now().UTC().Add(-keep)
}

// RunOnce archives every entry older than the cutoff that existed when the pass began
func (s *Scheduler) RunOnce(ctx context.Context) (*ArchiveResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	result := &ArchiveResult{Cutoff: s.Cutoff()}

	tail, err := s.store.Tail(ctx)
	if err != nil {
		return nil, s.recordError(utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read chain tail", err))
	}
	result.MaxSequence = tail.SequenceNumber

	for {
		if err := ctx.Err(); err != nil {
			return result, s.recordError(err)
		}

		seqs, err := s.store.FindArchivable(ctx, result.Cutoff, tail.SequenceNumber, s.config.BatchSize)
		if err != nil {
			return result, s.recordError(utils.WrapAppError(utils.ErrCodeDatabase, "Failed to find archivable entries", err))
		}
		if len(seqs) == 0 {
			break
		}

		marked, err := s.store.MarkArchived(ctx, seqs)
		if err != nil {
			return result, s.recordError(utils.WrapAppError(utils.ErrCodeDatabase, "Failed to mark entries archived", err))
		}
		result.ArchivedCount += marked
		s.metrics.RecordEntriesArchived(marked)

		if len(seqs) < s.config.BatchSize || marked == 0 {
			break
		}
	}

	result.Duration = time.Since(start)

	now := s.now()
	s.mu.Lock()
	s.stats.Runs++
	s.stats.TotalArchived += result.ArchivedCount
	s.stats.LastRun = &now
	s.stats.LastError = ""
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"archived": result.ArchivedCount,
		"cutoff":   result.Cutoff,
		"max_seq":  result.MaxSequence,
		"duration": result.Duration,
	}).Info("Archival pass completed")

	return result, nil
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.IsRunning = s.running
	return stats
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Archival loop stopped by context")
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Archival pass failed")
			}
		}
	}
}

func (s *Scheduler) recordError(err error) error {
	s.mu.Lock()
	s.stats.LastError = err.Error()
	s.mu.Unlock()
	return err
}
