package integrity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *models.LogEntry {
	return &models.LogEntry{
		ID:             "job-1",
		SequenceNumber: 1,
		EventType:      "LOGIN_FAILED",
		Severity:       models.SeverityMedium,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Actor:          models.Actor{UserID: "alice", IPAddress: "10.0.0.1"},
		Metadata: map[string]interface{}{
			"attempts": 3,
			"reason":   "bad password",
			"geo":      map[string]interface{}{"country": "NL", "city": "Delft"},
		},
	}
}

func TestComputeHashIsDeterministic(t *testing.T) {
	hasher, err := NewHasher(AlgorithmSHA256)
	require.NoError(t, err)

	first, err := hasher.ComputeHash(sampleEntry(), models.GenesisHash)
	require.NoError(t, err)
	second, err := hasher.ComputeHash(sampleEntry(), models.GenesisHash)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestComputeHashIgnoresMapOrderAndStorageRoundTrip(t *testing.T) {
	hasher, err := NewHasher("")
	require.NoError(t, err)

	entry := sampleEntry()
	want, err := hasher.ComputeHash(entry, models.GenesisHash)
	require.NoError(t, err)

	// Same metadata as it comes back from a JSON column.
	raw, err := json.Marshal(entry.Metadata)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	roundTripped := sampleEntry()
	roundTripped.Metadata = decoded
	roundTripped.Timestamp = entry.Timestamp.In(time.FixedZone("CET", 3600)).Truncate(time.Microsecond)

	got, err := hasher.ComputeHash(roundTripped, models.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestComputeHashChangesWithAnyField(t *testing.T) {
	hasher, err := NewHasher(AlgorithmSHA256)
	require.NoError(t, err)

	base, err := hasher.ComputeHash(sampleEntry(), models.GenesisHash)
	require.NoError(t, err)

	mutations := map[string]func(e *models.LogEntry){
		"metadata byte": func(e *models.LogEntry) { e.Metadata["reason"] = "bad passworD" },
		"nested value":  func(e *models.LogEntry) { e.Metadata["geo"].(map[string]interface{})["city"] = "Delfd" },
		"sequence":      func(e *models.LogEntry) { e.SequenceNumber = 2 },
		"actor":         func(e *models.LogEntry) { e.Actor.IPAddress = "10.0.0.2" },
		"timestamp":     func(e *models.LogEntry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			entry := sampleEntry()
			mutate(entry)
			got, err := hasher.ComputeHash(entry, models.GenesisHash)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}

	t.Run("previous hash", func(t *testing.T) {
		got, err := hasher.ComputeHash(sampleEntry(), base)
		require.NoError(t, err)
		assert.NotEqual(t, base, got)
	})
}

func TestArchivalFieldsAreNotHashed(t *testing.T) {
	hasher, err := NewHasher(AlgorithmSHA256)
	require.NoError(t, err)

	entry := sampleEntry()
	before, err := hasher.ComputeHash(entry, models.GenesisHash)
	require.NoError(t, err)

	now := time.Now()
	entry.Archived = true
	entry.ArchivedAt = &now
	entry.Hash = "something"
	after, err := hasher.ComputeHash(entry, models.GenesisHash)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestKeccakHasher(t *testing.T) {
	sha, err := NewHasher(AlgorithmSHA256)
	require.NoError(t, err)
	keccak, err := NewHasher(AlgorithmKeccak256)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmKeccak256, keccak.Algorithm())

	a, err := sha.ComputeHash(sampleEntry(), models.GenesisHash)
	require.NoError(t, err)
	b, err := keccak.ComputeHash(sampleEntry(), models.GenesisHash)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, b, 64)

	_, err = NewHasher("md5")
	assert.Error(t, err)
}

func TestCanonicalJSONEmptyMetadata(t *testing.T) {
	empty, err := CanonicalJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))

	sorted, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": true, "y": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1}`, string(sorted))
}
