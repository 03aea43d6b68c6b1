package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

var (
	badgerLogPrefix  = []byte("log/")
	badgerRulePrefix = []byte("rule/")
	badgerTailKey    = []byte("meta/tail")
	badgerIndexKey   = []byte("idx/")
)

// BadgerStorage implements Storage on an embedded badger key-value store.
// Entries are keyed by big-endian sequence number so iteration follows the chain.
type BadgerStorage struct {
	db     *badger.DB
	config *StorageConfig
	logger *logrus.Logger
}

// NewBadgerStorage creates a badger storage instance. A connection string of
// ":memory:" opens an in-memory database.
func NewBadgerStorage(config *StorageConfig) *BadgerStorage {
	return &BadgerStorage{
		config: config,
		logger: utils.GetLogger(),
	}
}

// Connect opens the badger directory
func (b *BadgerStorage) Connect() error {
	var opts badger.Options
	if b.config.ConnectionString == ":memory:" || b.config.ConnectionString == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(b.config.ConnectionString)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open badger database", err.Error())
	}

	b.db = db
	b.logger.WithField("path", b.config.ConnectionString).Info("Badger database opened")
	return nil
}

// Close closes the database
func (b *BadgerStorage) Close() error {
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		b.logger.Info("Badger database closed")
		return err
	}
	return nil
}

// Ping checks the database is open
func (b *BadgerStorage) Ping() error {
	if b.db == nil || b.db.IsClosed() {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return nil
}

// Migrate is a no-op; badger has no schema.
func (b *BadgerStorage) Migrate() error {
	return b.Ping()
}

// GetHealth reports whether the database is open
func (b *BadgerStorage) GetHealth() *StorageHealth {
	return healthOf("badger", b.Ping())
}

func logKey(seq int64) []byte {
	key := make([]byte, len(badgerLogPrefix)+8)
	copy(key, badgerLogPrefix)
	binary.BigEndian.PutUint64(key[len(badgerLogPrefix):], uint64(seq))
	return key
}

func indexKey(field, value string) []byte {
	key := append(append([]byte{}, badgerIndexKey...), field...)
	return append(append(key, '/'), value...)
}

func ruleKey(id string) []byte {
	return append(append([]byte{}, badgerRulePrefix...), id...)
}

func decodeBadgerEntry(item *badger.Item) (*models.LogEntry, error) {
	var entry models.LogEntry
	err := item.Value(func(val []byte) error {
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.UseNumber()
		return dec.Decode(&entry)
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to decode entry", err.Error())
	}
	return &entry, nil
}

func badgerTail(txn *badger.Txn) (models.ChainTail, error) {
	item, err := txn.Get(badgerTailKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.EmptyTail(), nil
	}
	if err != nil {
		return models.ChainTail{}, err
	}
	var tail models.ChainTail
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &tail)
	})
	return tail, err
}

// Tail returns the last committed entry position
func (b *BadgerStorage) Tail(ctx context.Context) (models.ChainTail, error) {
	var tail models.ChainTail
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		tail, err = badgerTail(txn)
		return err
	})
	if err != nil {
		return tail, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain tail", err.Error())
	}
	return tail, nil
}

// AppendBatch writes entries and the new tail in one badger transaction
func (b *BadgerStorage) AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	err := b.db.Update(func(txn *badger.Txn) error {
		tail, err := badgerTail(txn)
		if err != nil {
			return err
		}
		if err := validateBatch(tail, expectedTailSeq, entries); err != nil {
			return err
		}
		err = checkUnique(entries, func(field, value string) (bool, error) {
			_, err := txn.Get(indexKey(field, value))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return err
		}

		seq := make([]byte, 8)
		for _, entry := range entries {
			binary.BigEndian.PutUint64(seq, uint64(entry.SequenceNumber))
			if err := txn.Set(indexKey("id", entry.ID), append([]byte{}, seq...)); err != nil {
				return err
			}
			if err := txn.Set(indexKey("hash", entry.Hash), append([]byte{}, seq...)); err != nil {
				return err
			}

			stored := copyEntry(entry)
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			raw, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(logKey(entry.SequenceNumber), raw); err != nil {
				return err
			}
		}

		last := entries[len(entries)-1]
		rawTail, err := json.Marshal(models.ChainTail{SequenceNumber: last.SequenceNumber, Hash: last.Hash})
		if err != nil {
			return err
		}
		return txn.Set(badgerTailKey, rawTail)
	})
	if err != nil {
		if utils.IsAppError(err) {
			return err
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to append batch", err.Error())
	}
	return nil
}

// ReadRange returns entries fromSeq..toSeq in ascending order
func (b *BadgerStorage) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerLogPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logKey(fromSeq)); it.Valid(); it.Next() {
			entry, err := decodeBadgerEntry(it.Item())
			if err != nil {
				return err
			}
			if entry.SequenceNumber > toSeq {
				break
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain range", err.Error())
	}
	return entries, nil
}

// QueryEntries scans newest first and pages in memory
func (b *BadgerStorage) QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error) {
	filter.Normalize()
	offset := filter.Offset()

	var (
		page  []*models.LogEntry
		total int64
	)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerLogPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, badgerLogPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seekKey); it.Valid(); it.Next() {
			entry, err := decodeBadgerEntry(it.Item())
			if err != nil {
				return err
			}
			if !matchesLogFilter(entry, filter) {
				continue
			}
			if total >= int64(offset) && len(page) < filter.Limit {
				page = append(page, entry)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query entries", err.Error())
	}
	return page, total, nil
}

// FindArchivable lists unarchived entries older than cutoff
func (b *BadgerStorage) FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error) {
	var seqs []int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerLogPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(seqs) < limit; it.Next() {
			entry, err := decodeBadgerEntry(it.Item())
			if err != nil {
				return err
			}
			if entry.SequenceNumber > maxSeq {
				break
			}
			if !entry.Archived && entry.Timestamp.Before(cutoff) {
				seqs = append(seqs, entry.SequenceNumber)
			}
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to find archivable entries", err.Error())
	}
	return seqs, nil
}

// MarkArchived rewrites the stored entries with only the archival fields changed
func (b *BadgerStorage) MarkArchived(ctx context.Context, seqs []int64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}

	var count int64
	now := time.Now()
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			item, err := txn.Get(logKey(seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			entry, err := decodeBadgerEntry(item)
			if err != nil {
				return err
			}
			if entry.Archived {
				continue
			}
			entry.Archived = true
			at := now
			entry.ArchivedAt = &at

			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := txn.Set(logKey(seq), raw); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark entries archived", err.Error())
	}
	return count, nil
}

// GetChainStats scans the chain once
func (b *BadgerStorage) GetChainStats(ctx context.Context) (*ChainStats, error) {
	stats := &ChainStats{}
	err := b.db.View(func(txn *badger.Txn) error {
		tail, err := badgerTail(txn)
		if err != nil {
			return err
		}
		stats.TailSequence, stats.TailHash = tail.SequenceNumber, tail.Hash

		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerLogPrefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			entry, err := decodeBadgerEntry(it.Item())
			if err != nil {
				it.Close()
				return err
			}
			stats.TotalEntries++
			if entry.Archived {
				stats.ArchivedEntries++
			}
			ts := entry.Timestamp
			if stats.OldestEntry == nil || ts.Before(*stats.OldestEntry) {
				stats.OldestEntry = &ts
			}
			if stats.LatestEntry == nil || ts.After(*stats.LatestEntry) {
				stats.LatestEntry = &ts
			}
		}
		it.Close()

		keysOnly := badger.DefaultIteratorOptions
		keysOnly.Prefix = badgerRulePrefix
		keysOnly.PrefetchValues = false
		rit := txn.NewIterator(keysOnly)
		defer rit.Close()
		for rit.Rewind(); rit.Valid(); rit.Next() {
			stats.TotalRules++
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read chain stats", err.Error())
	}
	return stats, nil
}

func decodeBadgerRule(item *badger.Item) (*models.ThreatRule, error) {
	var rule models.ThreatRule
	err := item.Value(func(val []byte) error {
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.UseNumber()
		return dec.Decode(&rule)
	})
	return &rule, err
}

// ListRules returns rules matching filter ordered by name
func (b *BadgerStorage) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error) {
	var rules []*models.ThreatRule
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerRulePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rule, err := decodeBadgerRule(it.Item())
			if err != nil {
				return err
			}
			if filter.Matches(rule) {
				rules = append(rules, rule)
			}
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list rules", err.Error())
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
func (b *BadgerStorage) GetRule(ctx context.Context, id string) (*models.ThreatRule, error) {
	var rule *models.ThreatRule
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleKey(id))
		if err != nil {
			return err
		}
		rule, err = decodeBadgerRule(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rule", err.Error())
	}
	return rule, nil
}

func (b *BadgerStorage) putRule(rule *models.ThreatRule, mustExist bool) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal rule", err.Error())
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(ruleKey(rule.ID))
		exists := err == nil
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if mustExist && !exists {
			return notFound("rule", rule.ID)
		}
		if !mustExist && exists {
			return utils.WrapAppError(utils.ErrCodeValidation, "Rule already exists: "+rule.ID, ErrAlreadyExists)
		}
		return txn.Set(ruleKey(rule.ID), raw)
	})
	if err != nil && !utils.IsAppError(err) {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to store rule", err.Error())
	}
	return err
}

// CreateRule inserts a new rule
func (b *BadgerStorage) CreateRule(ctx context.Context, rule *models.ThreatRule) error {
	return b.putRule(rule, false)
}

// UpdateRule replaces a stored rule
func (b *BadgerStorage) UpdateRule(ctx context.Context, rule *models.ThreatRule) error {
	return b.putRule(rule, true)
}

// DeleteRule removes a rule
func (b *BadgerStorage) DeleteRule(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(ruleKey(id)); err != nil {
			return err
		}
		return txn.Delete(ruleKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound("rule", id)
	}
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete rule", err.Error())
	}
	return nil
}
