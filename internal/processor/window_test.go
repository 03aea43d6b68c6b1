package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/storage"
)

func windowEvent(n int, at time.Time) *models.SecurityEvent {
	return &models.SecurityEvent{
		EventType: "API_CALL",
		Severity:  models.SeverityLow,
		Timestamp: at,
		Metadata:  map[string]interface{}{"n": n},
	}
}

func TestHotWindowEvictsOldestWhenFull(t *testing.T) {
	w := NewHotWindow(3, time.Hour)
	now := time.Now()

	for i := 0; i < 5; i++ {
		w.Add(windowEvent(i, now))
	}

	recent := w.Recent(now)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Metadata["n"])
	assert.Equal(t, 4, recent[2].Metadata["n"])
	assert.Equal(t, 3, w.Len())
}

func TestHotWindowFiltersByAge(t *testing.T) {
	w := NewHotWindow(10, 5*time.Minute)
	now := time.Now()

	w.Add(windowEvent(1, now.Add(-10*time.Minute)))
	w.Add(windowEvent(2, now.Add(-4*time.Minute)))
	w.Add(windowEvent(3, now))

	recent := w.Recent(now)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Metadata["n"])

	assert.Len(t, w.Recent(now.Add(-8*time.Minute)), 3)
}

func TestHotWindowCopiesEvents(t *testing.T) {
	w := NewHotWindow(2, time.Hour)
	event := windowEvent(1, time.Now())
	w.Add(event)

	event.Metadata["n"] = 42
	assert.Equal(t, 1, w.Recent(time.Now())[0].Metadata["n"])
}

func TestHotWindowWarm(t *testing.T) {
	store := storage.NewMemoryStorage()
	hasher, err := integrity.NewHasher("sha256")
	require.NoError(t, err)

	ctx := context.Background()
	prev := models.GenesisHash
	var entries []*models.LogEntry
	for i := 1; i <= 5; i++ {
		ts := time.Now().Add(-time.Duration(6-i) * time.Minute)
		if i == 1 {
			ts = time.Now().Add(-3 * time.Hour)
		}
		entry := &models.LogEntry{
			ID:             fmt.Sprintf("job-%d", i),
			SequenceNumber: int64(i),
			EventType:      "API_CALL",
			Severity:       models.SeverityLow,
			Timestamp:      integrity.NormalizeTimestamp(ts),
			PreviousHash:   prev,
		}
		entry.Hash, err = hasher.ComputeHash(entry, prev)
		require.NoError(t, err)
		prev = entry.Hash
		entries = append(entries, entry)
	}
	require.NoError(t, store.AppendBatch(ctx, 0, entries))

	w := NewHotWindow(3, time.Hour)
	loaded, err := w.Warm(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded)
	assert.Equal(t, 3, w.Len())

	empty := NewHotWindow(3, time.Hour)
	loaded, err = empty.Warm(ctx, storage.NewMemoryStorage())
	require.NoError(t, err)
	assert.Zero(t, loaded)
}
