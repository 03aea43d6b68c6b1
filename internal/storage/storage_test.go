package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/config"
	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// chainBatch builds count linked entries continuing from tail.
func chainBatch(t *testing.T, tail models.ChainTail, count int, at time.Time) []*models.LogEntry {
	t.Helper()
	hasher, err := integrity.NewHasher(integrity.AlgorithmSHA256)
	require.NoError(t, err)

	entries := make([]*models.LogEntry, 0, count)
	prev := tail.Hash
	for i := 1; i <= count; i++ {
		seq := tail.SequenceNumber + int64(i)
		e := &models.LogEntry{
			ID:             fmt.Sprintf("job-%d", seq),
			SequenceNumber: seq,
			EventType:      "LOGIN_FAILED",
			Severity:       models.SeverityMedium,
			Timestamp:      at.Add(time.Duration(seq) * time.Minute),
			Actor:          models.Actor{UserID: fmt.Sprintf("user-%d", seq%3), IPAddress: "198.51.100.7"},
			Metadata:       map[string]interface{}{"attempt": seq, "ratio": 0.25, "tags": []string{"a", "b"}},
			PreviousHash:   prev,
		}
		e.Hash, err = hasher.ComputeHash(e, prev)
		require.NoError(t, err)
		prev = e.Hash
		entries = append(entries, e)
	}
	return entries
}

func openTestStores(t *testing.T) map[string]Storage {
	t.Helper()

	sqlite, err := OpenStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "chain.db"),
		MaxConnections:   1,
	})
	require.NoError(t, err)

	badgerStore, err := OpenStorage(&config.StorageConfig{Type: "badger", ConnectionString: ":memory:"})
	require.NoError(t, err)

	stores := map[string]Storage{
		"sqlite": sqlite,
		"badger": badgerStore,
		"memory": NewMemoryStorage(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestChainStoreAppendAndRead(t *testing.T) {
	ctx := context.Background()
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			tail, err := store.Tail(ctx)
			require.NoError(t, err)
			assert.Equal(t, models.EmptyTail(), tail)

			first := chainBatch(t, tail, 5, baseTime)
			require.NoError(t, store.AppendBatch(ctx, 0, first))

			tail, err = store.Tail(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(5), tail.SequenceNumber)
			assert.Equal(t, first[4].Hash, tail.Hash)

			second := chainBatch(t, tail, 3, baseTime)
			require.NoError(t, store.AppendBatch(ctx, 5, second))

			entries, err := store.ReadRange(ctx, 4, 7)
			require.NoError(t, err)
			require.Len(t, entries, 4)
			for i, e := range entries {
				assert.Equal(t, int64(4+i), e.SequenceNumber)
			}
			assert.Equal(t, first[3].Actor, entries[0].Actor)
			assert.True(t, first[3].Timestamp.Equal(entries[0].Timestamp))

			// Read back entries still verify.
			hasher, _ := integrity.NewHasher(integrity.AlgorithmSHA256)
			verifier := integrity.NewVerifier(store, hasher, 3, nil)
			result, err := verifier.VerifyChain(ctx)
			require.NoError(t, err)
			assert.True(t, result.Valid, result.Reason)
			assert.Equal(t, int64(8), result.EntriesChecked)
		})
	}
}

func TestChainStoreRejectsStaleTail(t *testing.T) {
	ctx := context.Background()
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			batch := chainBatch(t, models.EmptyTail(), 2, baseTime)
			require.NoError(t, store.AppendBatch(ctx, 0, batch))

			// A writer holding the genesis tail must not commit.
			stale := chainBatch(t, models.EmptyTail(), 2, baseTime)
			err := store.AppendBatch(ctx, 0, stale)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTailMismatch))

			// Right sequence, wrong link.
			bad := chainBatch(t, models.ChainTail{SequenceNumber: 2, Hash: "deadbeef"}, 1, baseTime)
			err = store.AppendBatch(ctx, 2, bad)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTailMismatch))

			tail, err := store.Tail(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), tail.SequenceNumber)
		})
	}
}

func TestAppendBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		corrupt func(first, batch []*models.LogEntry)
	}{
		{
			name: "duplicate id",
			corrupt: func(first, batch []*models.LogEntry) {
				batch[2].ID = first[0].ID
			},
		},
		{
			name: "duplicate hash",
			corrupt: func(first, batch []*models.LogEntry) {
				batch[2].Hash = first[0].Hash
				batch[3].PreviousHash = first[0].Hash
			},
		},
	}

	for _, tt := range tests {
		for name, store := range openTestStores(t) {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				first := chainBatch(t, models.EmptyTail(), 1, baseTime)
				require.NoError(t, store.AppendBatch(ctx, 0, first))
				before, err := store.Tail(ctx)
				require.NoError(t, err)

				batch := chainBatch(t, before, 4, baseTime)
				tt.corrupt(first, batch)
				require.Error(t, store.AppendBatch(ctx, 1, batch))

				entries, err := store.ReadRange(ctx, 1, 10)
				require.NoError(t, err)
				assert.Len(t, entries, 1)
				tail, err := store.Tail(ctx)
				require.NoError(t, err)
				assert.Equal(t, before, tail)

				// Nothing from the rejected batch lingers.
				require.NoError(t, store.AppendBatch(ctx, 1, chainBatch(t, before, 4, baseTime)))
				tail, err = store.Tail(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(5), tail.SequenceNumber)
			})
		}
	}
}

func TestChainStoreQueryAndArchive(t *testing.T) {
	ctx := context.Background()
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			batch := chainBatch(t, models.EmptyTail(), 10, baseTime)
			batch[9].EventType = "PRIVILEGE_ESCALATION"
			// Recompute the tail of the batch after the change.
			hasher, _ := integrity.NewHasher(integrity.AlgorithmSHA256)
			var err error
			batch[9].Hash, err = hasher.ComputeHash(batch[9], batch[9].PreviousHash)
			require.NoError(t, err)
			require.NoError(t, store.AppendBatch(ctx, 0, batch))

			entries, total, err := store.QueryEntries(ctx, models.LogFilter{Page: 2, Limit: 4})
			require.NoError(t, err)
			assert.Equal(t, int64(10), total)
			require.Len(t, entries, 4)
			assert.Equal(t, int64(6), entries[0].SequenceNumber)

			eventType := "PRIVILEGE_ESCALATION"
			entries, total, err = store.QueryEntries(ctx, models.LogFilter{EventType: &eventType})
			require.NoError(t, err)
			assert.Equal(t, int64(1), total)
			assert.Equal(t, int64(10), entries[0].SequenceNumber)

			from := baseTime.Add(3 * time.Minute)
			to := baseTime.Add(5 * time.Minute)
			_, total, err = store.QueryEntries(ctx, models.LogFilter{From: &from, To: &to})
			require.NoError(t, err)
			assert.Equal(t, int64(3), total)

			// Entries 1..4 have timestamps before the cutoff; 4 is above maxSeq limit 3.
			cutoff := baseTime.Add(4*time.Minute + time.Second)
			seqs, err := store.FindArchivable(ctx, cutoff, 3, 100)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 3}, seqs)

			n, err := store.MarkArchived(ctx, seqs)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			// Idempotent.
			n, err = store.MarkArchived(ctx, seqs)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			_, total, err = store.QueryEntries(ctx, models.LogFilter{})
			require.NoError(t, err)
			assert.Equal(t, int64(7), total)
			_, total, err = store.QueryEntries(ctx, models.LogFilter{IncludeArchived: true})
			require.NoError(t, err)
			assert.Equal(t, int64(10), total)

			stats, err := store.GetChainStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(10), stats.TotalEntries)
			assert.Equal(t, int64(3), stats.ArchivedEntries)
			assert.Equal(t, int64(10), stats.TailSequence)

			// Archiving does not disturb verification.
			verifier := integrity.NewVerifier(store, hasher, 4, nil)
			result, err := verifier.VerifyChain(ctx)
			require.NoError(t, err)
			assert.True(t, result.Valid, result.Reason)
		})
	}
}

func TestRuleStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, store := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			rule := &models.ThreatRule{
				ID:            "rule-brute-force",
				Name:          "Brute force",
				Version:       1,
				Status:        models.RuleStatusActive,
				Severity:      models.SeverityHigh,
				ConditionType: models.ConditionThreshold,
				Config:        map[string]interface{}{"threshold": 5, "timeWindowSeconds": 300},
				Tags:          []string{"auth"},
				CreatedBy:     "admin",
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			require.NoError(t, store.CreateRule(ctx, rule))

			err := store.CreateRule(ctx, rule)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyExists))

			got, err := store.GetRule(ctx, rule.ID)
			require.NoError(t, err)
			assert.Equal(t, "Brute force", got.Name)
			assert.Equal(t, []string{"auth"}, got.Tags)
			assert.EqualValues(t, "5", fmt.Sprint(got.Config["threshold"]))

			rule.Status = models.RuleStatusInactive
			rule.Version = 2
			require.NoError(t, store.UpdateRule(ctx, rule))

			active := models.RuleStatusActive
			listed, err := store.ListRules(ctx, models.RuleFilter{Status: &active})
			require.NoError(t, err)
			assert.Empty(t, listed)

			tag := "auth"
			listed, err = store.ListRules(ctx, models.RuleFilter{Tag: &tag})
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, 2, listed[0].Version)

			require.NoError(t, store.DeleteRule(ctx, rule.ID))
			_, err = store.GetRule(ctx, rule.ID)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(store.DeleteRule(ctx, rule.ID), ErrNotFound))
			assert.True(t, errors.Is(store.UpdateRule(ctx, rule), ErrNotFound))
		})
	}
}

func TestSQLiteTamperIsDetected(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStorage(&StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "tamper.db"),
		MaxConnections:   1,
	})
	require.NoError(t, store.Connect())
	defer store.Close()
	require.NoError(t, store.Migrate())

	require.NoError(t, store.AppendBatch(ctx, 0, chainBatch(t, models.EmptyTail(), 5, baseTime)))

	_, err := store.db.Exec(`UPDATE security_log SET metadata = '{"attempt":3,"ratio":0.5,"tags":["a","b"]}' WHERE sequence_number = 3`)
	require.NoError(t, err)

	hasher, _ := integrity.NewHasher(integrity.AlgorithmSHA256)
	result, err := integrity.NewVerifier(store, hasher, 2, nil).VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.FirstInvalidSequence)
	assert.Equal(t, int64(3), *result.FirstInvalidSequence)
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := NewSQLiteStorage(&StorageConfig{
		ConnectionString: filepath.Join(t.TempDir(), "migrate.db"),
		MaxConnections:   1,
	})
	require.NoError(t, store.Connect())
	defer store.Close()

	require.NoError(t, store.Migrate())
	require.NoError(t, store.Migrate())

	var applied int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(GetSQLiteMigrations()), applied)
}

func TestStorageWithMetricsRecordsOperations(t *testing.T) {
	manager := metrics.NewManager()
	store := NewStorageWithMetrics(NewMemoryStorage(), manager)

	require.NoError(t, store.AppendBatch(context.Background(), 0, chainBatch(t, models.EmptyTail(), 2, baseTime)))
	_, err := store.ReadRange(context.Background(), 1, 2)
	require.NoError(t, err)

	families, err := manager.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "seclog_database_operations_total" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(&config.StorageConfig{Type: "mongodb"})
	assert.Error(t, err)
	assert.Error(t, ValidateStorageConfig(&config.StorageConfig{Type: "sqlite"}))
	assert.NoError(t, ValidateStorageConfig(&config.StorageConfig{Type: "memory"}))
}
