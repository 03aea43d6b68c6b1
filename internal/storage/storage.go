// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

var (
	// ErrTailMismatch is returned by AppendBatch when the chain moved since the caller read the tail.
	ErrTailMismatch = errors.New("chain tail does not match expected position")
	// ErrNotFound is wrapped by lookups that find nothing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is wrapped when creating a rule whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// ChainStore is the durable append-only table of log entries
type ChainStore interface {
	// Tail returns the last committed sequence number and hash, or the genesis tail.
	Tail(ctx context.Context) (models.ChainTail, error)
	// AppendBatch commits entries atomically if the chain tail is still expectedTailSeq.
	AppendBatch(ctx context.Context, expectedTailSeq int64, entries []*models.LogEntry) error
	ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error)
	QueryEntries(ctx context.Context, filter models.LogFilter) ([]*models.LogEntry, int64, error)
	// FindArchivable lists unarchived sequence numbers older than cutoff and not above maxSeq.
	FindArchivable(ctx context.Context, cutoff time.Time, maxSeq int64, limit int) ([]int64, error)
	MarkArchived(ctx context.Context, seqs []int64) (int64, error)
	GetChainStats(ctx context.Context) (*ChainStats, error)
}

// RuleStore holds threat rule configuration records
type RuleStore interface {
	ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ThreatRule, error)
	GetRule(ctx context.Context, id string) (*models.ThreatRule, error)
	CreateRule(ctx context.Context, rule *models.ThreatRule) error
	UpdateRule(ctx context.Context, rule *models.ThreatRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Storage defines the full storage backend
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	ChainStore
	RuleStore

	GetHealth() *StorageHealth
}

// ChainStats summarizes the stored chain
type ChainStats struct {
	TotalEntries    int64      `json:"total_entries"`
	ArchivedEntries int64      `json:"archived_entries"`
	TailSequence    int64      `json:"tail_sequence"`
	TailHash        string     `json:"tail_hash"`
	OldestEntry     *time.Time `json:"oldest_entry,omitempty"`
	LatestEntry     *time.Time `json:"latest_entry,omitempty"`
	TotalRules      int64      `json:"total_rules"`
}

// StorageHealth reports backend health
type StorageHealth struct {
	Healthy   bool      `json:"healthy"`
	Type      string    `json:"type"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// validateBatch checks that entries continue the chain from tail.
func validateBatch(tail models.ChainTail, expectedTailSeq int64, entries []*models.LogEntry) error {
	if tail.SequenceNumber != expectedTailSeq {
		return utils.WrapAppError(utils.ErrCodeDatabase,
			fmt.Sprintf("Chain tail is %d, expected %d", tail.SequenceNumber, expectedTailSeq),
			ErrTailMismatch)
	}

	prevSeq, prevHash := tail.SequenceNumber, tail.Hash
	for _, entry := range entries {
		if entry.SequenceNumber != prevSeq+1 {
			return utils.NewAppError(utils.ErrCodeIntegrity, "Batch is not contiguous",
				fmt.Sprintf("sequence %d follows %d", entry.SequenceNumber, prevSeq))
		}
		if entry.PreviousHash != prevHash {
			return utils.WrapAppError(utils.ErrCodeIntegrity,
				fmt.Sprintf("Entry %d does not link to the chain tail", entry.SequenceNumber),
				ErrTailMismatch)
		}
		prevSeq, prevHash = entry.SequenceNumber, entry.Hash
	}
	return nil
}

// checkUnique rejects a batch whose ids or hashes repeat within the batch or
// are already stored according to exists.
func checkUnique(entries []*models.LogEntry, exists func(field, value string) (bool, error)) error {
	seen := make(map[string]struct{}, 2*len(entries))
	for _, entry := range entries {
		for _, kv := range [][2]string{{"id", entry.ID}, {"hash", entry.Hash}} {
			field, value := kv[0], kv[1]
			key := field + "/" + value
			if _, dup := seen[key]; dup {
				return duplicateEntry(field, value)
			}
			seen[key] = struct{}{}

			found, err := exists(field, value)
			if err != nil {
				return err
			}
			if found {
				return duplicateEntry(field, value)
			}
		}
	}
	return nil
}

func duplicateEntry(field, value string) error {
	return utils.WrapAppError(utils.ErrCodeDatabase,
		fmt.Sprintf("Entry %s already logged: %s", field, value), ErrAlreadyExists)
}

func notFound(kind, id string) error {
	return utils.WrapAppError(utils.ErrCodeNotFound, kind+" not found: "+id, ErrNotFound)
}

func healthOf(storageType string, err error) *StorageHealth {
	health := &StorageHealth{
		Healthy:   err == nil,
		Type:      storageType,
		CheckedAt: time.Now(),
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}
