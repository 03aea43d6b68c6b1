package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceReader struct {
	mu      sync.Mutex
	entries []*models.LogEntry
	reads   int
	err     error
}

func (r *sliceReader) Tail(ctx context.Context) (models.ChainTail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return models.ChainTail{}, r.err
	}
	if len(r.entries) == 0 {
		return models.EmptyTail(), nil
	}
	last := r.entries[len(r.entries)-1]
	return models.ChainTail{SequenceNumber: last.SequenceNumber, Hash: last.Hash}, nil
}

func (r *sliceReader) ReadRange(ctx context.Context, fromSeq, toSeq int64) ([]*models.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	var out []*models.LogEntry
	for _, e := range r.entries {
		if e.SequenceNumber >= fromSeq && e.SequenceNumber <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func buildChain(t *testing.T, hasher *Hasher, n int) []*models.LogEntry {
	t.Helper()
	entries := make([]*models.LogEntry, 0, n)
	prev := models.GenesisHash
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		e := &models.LogEntry{
			ID:             fmt.Sprintf("job-%d", i),
			SequenceNumber: int64(i),
			EventType:      "LOGIN_FAILED",
			Severity:       models.SeverityLow,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			Actor:          models.Actor{IPAddress: "192.0.2.1"},
			Metadata:       map[string]interface{}{"attempt": i},
			PreviousHash:   prev,
		}
		hash, err := hasher.ComputeHash(e, prev)
		require.NoError(t, err)
		e.Hash = hash
		prev = hash
		entries = append(entries, e)
	}
	return entries
}

func newTestVerifier(t *testing.T, reader ChainReader, pageSize int) *Verifier {
	hasher, err := NewHasher(AlgorithmSHA256)
	require.NoError(t, err)
	return NewVerifier(reader, hasher, pageSize, nil)
}

func TestVerifyEmptyChain(t *testing.T) {
	v := newTestVerifier(t, &sliceReader{}, 10)

	result, err := v.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Nil(t, result.FirstInvalidSequence)
	assert.Zero(t, result.EntriesChecked)
}

func TestVerifyValidChainAcrossPages(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	reader := &sliceReader{entries: buildChain(t, hasher, 23)}
	v := newTestVerifier(t, reader, 5)

	result, err := v.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(23), result.EntriesChecked)
	assert.Equal(t, int64(23), result.VerifiedThrough)
	assert.Equal(t, 5, reader.reads)
}

func TestVerifyDetectsTamperedMetadata(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	entries := buildChain(t, hasher, 10)
	entries[2].Metadata["attempt"] = 999

	v := newTestVerifier(t, &sliceReader{entries: entries}, 4)
	result, err := v.VerifyChain(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	require.NotNil(t, result.FirstInvalidSequence)
	assert.Equal(t, int64(3), *result.FirstInvalidSequence)
	assert.Equal(t, "hash mismatch", result.Reason)
	assert.Equal(t, int64(2), result.EntriesChecked)
}

func TestVerifyDetectsRehashedEntry(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	entries := buildChain(t, hasher, 6)

	// Rewriting an entry and its own hash still breaks the next link.
	entries[3].Metadata["attempt"] = 42
	rehashed, err := hasher.ComputeHash(entries[3], entries[3].PreviousHash)
	require.NoError(t, err)
	entries[3].Hash = rehashed

	v := newTestVerifier(t, &sliceReader{entries: entries}, 100)
	result, err := v.VerifyChain(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, int64(5), *result.FirstInvalidSequence)
	assert.Contains(t, result.Reason, "previous hash")
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	entries := buildChain(t, hasher, 6)
	entries = append(entries[:2], entries[3:]...)

	v := newTestVerifier(t, &sliceReader{entries: entries}, 100)
	result, err := v.VerifyChain(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), *result.FirstInvalidSequence)
}

func TestVerifyRangeUsesPriorEntryAsAnchor(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	reader := &sliceReader{entries: buildChain(t, hasher, 12)}
	v := newTestVerifier(t, reader, 3)

	result, err := v.VerifyRange(context.Background(), 5, 9)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(5), result.EntriesChecked)
	assert.Equal(t, int64(9), result.VerifiedThrough)
}

func TestVerifySnapshotsTail(t *testing.T) {
	hasher, _ := NewHasher(AlgorithmSHA256)
	entries := buildChain(t, hasher, 8)
	reader := &sliceReader{entries: entries[:5]}
	v := newTestVerifier(t, reader, 2)

	// Entries appended after the tail snapshot are outside the run.
	done := make(chan struct{})
	go func() {
		defer close(done)
		reader.mu.Lock()
		reader.entries = entries
		reader.mu.Unlock()
	}()

	result, err := v.VerifyChain(context.Background())
	<-done
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.LessOrEqual(t, result.VerifiedThrough, int64(8))
}

func TestVerifyPropagatesReadErrors(t *testing.T) {
	v := newTestVerifier(t, &sliceReader{err: errors.New("connection refused")}, 10)

	_, err := v.VerifyChain(context.Background())
	assert.Error(t, err)
}
