package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metrics *metrics.PrometheusMetrics
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage: storage,
		metrics: metricsManager.GetPrometheusMetrics(),
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// Tail reads the chain tail and records metrics
func (s *StorageWithMetrics) Tail(ctx context.Context) (models.ChainTail, error) {
	start := time.Now()
	tail, err := s.Storage.Tail(ctx)
	s.record("select_tail", "security_log", start, err)
	return tail, err
}

// AppendBatch appends entries and records metrics
func (s *StorageWithMetrics) AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error {
	start := time.Now()
	err := s.Storage.AppendBatch(ctx, expectedTailSeq, entries)
	s.record("append_batch", "security_log", start, err)
	if err == nil && len(entries) > 0 {
		s.metrics.UpdateChainTail(entries[len(entries)-1].SequenceNumber)
	}
	return err
}

// ReadRange reads entries and records metrics
func (s *StorageWithMetrics) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	start := time.Now()
	entries, err := s.Storage.ReadRange(ctx, fromSeq, toSeq)
	s.record("read_range", "security_log", start, err)
	return entries, err
}

// QueryEntries queries entries and records metrics
func (s *StorageWithMetrics) QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error) {
	start := time.Now()
	entries, total, err := s.Storage.QueryEntries(ctx, filter)
	s.record("query", "security_log", start, err)
	return entries, total, err
}

// FindArchivable finds archivable entries and records metrics
func (s *StorageWithMetrics) FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error) {
	start := time.Now()
	seqs, err := s.Storage.FindArchivable(ctx, cutoff, maxSeq, limit)
	s.record("find_archivable", "security_log", start, err)
	return seqs, err
}

// MarkArchived archives entries and records metrics
func (s *StorageWithMetrics) MarkArchived(ctx context.Context, seqs []int64) (int64, error) {
	start := time.Now()
	n, err := s.Storage.MarkArchived(ctx, seqs)
	s.record("mark_archived", "security_log", start, err)
	return n, err
}

// CreateRule creates a rule and records metrics
func (s *StorageWithMetrics) CreateRule(ctx context.Context, rule *models.ThreatRule) error {
	start := time.Now()
	err := s.Storage.CreateRule(ctx, rule)
	s.record("insert", "threat_rules", start, err)
	return err
}

// UpdateRule updates a rule and records metrics
func (s *StorageWithMetrics) UpdateRule(ctx context.Context, rule *models.ThreatRule) error {
	start := time.Now()
	err := s.Storage.UpdateRule(ctx, rule)
	s.record("update", "threat_rules", start, err)
	return err
}

// DeleteRule deletes a rule and records metrics
func (s *StorageWithMetrics) DeleteRule(ctx context.Context, id string) error {
	start := time.Now()
	err := s.Storage.DeleteRule(ctx, id)
	s.record("delete", "threat_rules", start, err)
	return err
}

// ListRules lists rules and records metrics
func (s *StorageWithMetrics) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	start := time.Now()
	rules, err := s.Storage.ListRules(ctx, filter)
	s.record("select", "threat_rules", start, err)
	return rules, err
}
