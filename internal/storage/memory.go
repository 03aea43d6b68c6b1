package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// MemoryStorage keeps the chain and rules in process memory. It is meant for
// tests and local development; nothing survives a restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*models.LogEntry
	unique  map[string]struct{}
	rules   map[string]*models.ThreatRule
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		unique: make(map[string]struct{}),
		rules:  make(map[string]*models.ThreatRule),
	}
}

func (m *MemoryStorage) Connect() error { return nil }
func (m *MemoryStorage) Close() error   { return nil }
func (m *MemoryStorage) Ping() error    { return nil }
func (m *MemoryStorage) Migrate() error { return nil }

// GetHealth always reports healthy
func (m *MemoryStorage) GetHealth() *StorageHealth {
	return healthOf("memory", nil)
}

func copyEntry(e *models.LogEntry) *models.LogEntry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.ArchivedAt != nil {
		at := *e.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}

func copyRule(r *models.ThreatRule) *models.ThreatRule {
	c := *r
	if r.Config != nil {
		c.Config = make(map[string]interface{}, len(r.Config))
		for k, v := range r.Config {
			c.Config[k] = v
		}
	}
	c.Tags = append([]string(nil), r.Tags...)
	return &c
}

func (m *MemoryStorage) tailLocked() models.ChainTail {
	if len(m.entries) == 0 {
		return models.EmptyTail()
	}
	last := m.entries[len(m.entries)-1]
	return models.ChainTail{SequenceNumber: last.SequenceNumber, Hash: last.Hash}
}

// Tail returns the last committed entry position
func (m *MemoryStorage) Tail(ctx context.Context) (models.ChainTail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tailLocked(), nil
}

// AppendBatch appends entries if the tail still matches
func (m *MemoryStorage) AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateBatch(m.tailLocked(), expectedTailSeq, entries); err != nil {
		return err
	}
	err := checkUnique(entries, func(field, value string) (bool, error) {
		_, ok := m.unique[field+"/"+value]
		return ok, nil
	})
	if err != nil {
		return err
	}

	now := time.Now()
	for _, entry := range entries {
		m.unique["id/"+entry.ID] = struct{}{}
		m.unique["hash/"+entry.Hash] = struct{}{}
		stored := copyEntry(entry)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.Archived = false
		stored.ArchivedAt = nil
		m.entries = append(m.entries, stored)
	}
	return nil
}

// ReadRange returns entries fromSeq..toSeq in ascending order
func (m *MemoryStorage) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if fromSeq < 1 {
		fromSeq = 1
	}
	var out []*models.LogEntry
	// Sequence numbers are dense from 1, so the slice index is seq-1.
	for seq := fromSeq; seq <= toSeq && seq <= int64(len(m.entries)); seq++ {
		out = append(out, copyEntry(m.entries[seq-1]))
	}
	return out, nil
}

func matchesLogFilter(e *models.LogEntry, f models.LogFilter) bool {
	if !f.IncludeArchived && e.Archived {
		return false
	}
	if f.EventType != nil && e.EventType != *f.EventType {
		return false
	}
	if f.ActorID != nil && e.Actor.UserID != *f.ActorID && e.Actor.IPAddress != *f.ActorID {
		return false
	}
	if f.Severity != nil && e.Severity != *f.Severity {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// QueryEntries returns one page of entries, newest first, and the total match count
func (m *MemoryStorage) QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error) {
	filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.LogEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if matchesLogFilter(m.entries[i], filter) {
			matched = append(matched, m.entries[i])
		}
	}

	total := int64(len(matched))
	start := filter.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]*models.LogEntry, 0, end-start)
	for _, e := range matched[start:end] {
		page = append(page, copyEntry(e))
	}
	return page, total, nil
}

// FindArchivable lists unarchived entries older than cutoff
func (m *MemoryStorage) FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var seqs []int64
	for _, e := range m.entries {
		if len(seqs) >= limit {
			break
		}
		if e.SequenceNumber > maxSeq {
			break
		}
		if !e.Archived && e.Timestamp.Before(cutoff) {
			seqs = append(seqs, e.SequenceNumber)
		}
	}
	return seqs, nil
}

// MarkArchived flags entries archived
func (m *MemoryStorage) MarkArchived(ctx context.Context, seqs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var count int64
	for _, seq := range seqs {
		if seq < 1 || seq > int64(len(m.entries)) {
			continue
		}
		e := m.entries[seq-1]
		if e.Archived {
			continue
		}
		e.Archived = true
		at := now
		e.ArchivedAt = &at
		count++
	}
	return count, nil
}

// GetChainStats summarizes the in-memory chain
func (m *MemoryStorage) GetChainStats(ctx context.Context) (*ChainStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tail := m.tailLocked()
	stats := &ChainStats{
		TotalEntries: int64(len(m.entries)),
		TailSequence: tail.SequenceNumber,
		TailHash:     tail.Hash,
		TotalRules:   int64(len(m.rules)),
	}
	for _, e := range m.entries {
		if e.Archived {
			stats.ArchivedEntries++
		}
		ts := e.Timestamp
		if stats.OldestEntry == nil || ts.Before(*stats.OldestEntry) {
			stats.OldestEntry = &ts
		}
		if stats.LatestEntry == nil || ts.After(*stats.LatestEntry) {
			stats.LatestEntry = &ts
		}
	}
	return stats, nil
}

// TamperEntry mutates a committed entry in place, bypassing the append-only
// contract. Used to exercise integrity verification.
func (m *MemoryStorage) TamperEntry(seq int64, mutate func(entry *models.LogEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq < 1 || seq > int64(len(m.entries)) {
		return notFound("entry", strconv.FormatInt(seq, 10))
	}
	mutate(m.entries[seq-1])
	return nil
}

// ListRules returns rules matching filter ordered by name
func (m *MemoryStorage) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*models.ThreatRule, 0, len(m.rules))
	for _, r := range m.rules {
		if filter.Matches(r) {
			rules = append(rules, copyRule(r))
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// GetRule returns one rule by id
func (m *MemoryStorage) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, notFound("rule", id)
	}
	return copyRule(rule), nil
}

// CreateRule inserts a new rule
func (m *MemoryStorage) CreateRule(ctx context.Context, rule *models.ThreatRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.ID]; exists {
		return utils.WrapAppError(utils.ErrCodeValidation, "Rule already exists: "+rule.ID, ErrAlreadyExists)
	}
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

// UpdateRule replaces a stored rule
func (m *MemoryStorage) UpdateRule(ctx context.Context, rule *models.ThreatRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.ID]; !exists {
		return notFound("rule", rule.ID)
	}
	m.rules[rule.ID] = copyRule(rule)
	return nil
}

// DeleteRule removes a rule
func (m *MemoryStorage) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[id]; !exists {
		return notFound("rule", id)
	}
	delete(m.rules, id)
	return nil
}
