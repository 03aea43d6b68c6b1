// Package integrity computes and verifies the hash chain over log entries.
package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Supported digest algorithms
const (
	AlgorithmSHA256    = "sha256"
	AlgorithmKeccak256 = "keccak256"
)

// Hasher computes entry hashes with a fixed digest algorithm
type Hasher struct {
	algorithm string
	digest    func([]byte) string
}

// NewHasher returns a hasher for the named algorithm. An empty name selects SHA-256.
func NewHasher(algorithm string) (*Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmSHA256:
		return &Hasher{algorithm: AlgorithmSHA256, digest: utils.SHA256Hex}, nil
	case AlgorithmKeccak256, "keccak":
		return &Hasher{algorithm: AlgorithmKeccak256, digest: utils.Keccak256Hex}, nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported hash algorithm", algorithm)
	}
}

// Algorithm returns the digest algorithm name
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// ComputeHash returns digest(previousHash || canonical(entry)). The entry's own
// hash, previous hash and archival fields are never part of the canonical form.
func (h *Hasher) ComputeHash(entry *models.LogEntry, previousHash string) (string, error) {
	canonical, err := Canonicalize(entry)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(previousHash)+len(canonical))
	buf = append(buf, previousHash...)
	buf = append(buf, canonical...)
	return h.digest(buf), nil
}

type canonicalActor struct {
	UserID    string `json:"user_id"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Field order here is the canonical order.
type canonicalEntry struct {
	ID             string          `json:"id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Severity       string          `json:"severity"`
	Timestamp      string          `json:"timestamp"`
	Actor          canonicalActor  `json:"actor"`
	Metadata       json.RawMessage `json:"metadata"`
}

// Canonicalize serializes the hash relevant fields of entry into a byte-stable form.
func Canonicalize(entry *models.LogEntry) ([]byte, error) {
	if entry == nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Cannot canonicalize nil entry")
	}

	metadata, err := CanonicalJSON(entry.Metadata)
	if err != nil {
		return nil, err
	}

	return json.Marshal(canonicalEntry{
		ID:             entry.ID,
		SequenceNumber: entry.SequenceNumber,
		EventType:      entry.EventType,
		Severity:       string(entry.Severity),
		Timestamp:      FormatTimestamp(entry.Timestamp),
		Actor: canonicalActor{
			UserID:    entry.Actor.UserID,
			IPAddress: entry.Actor.IPAddress,
			UserAgent: entry.Actor.UserAgent,
		},
		Metadata: metadata,
	})
}

// CanonicalJSON encodes metadata with sorted keys at every depth. The value is
// first round-tripped through a generic decode so that the in-memory form and the
// form read back from storage produce identical bytes. Nil and empty maps both
// encode as {}.
func CanonicalJSON(metadata map[string]interface{}) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Failed to encode metadata", err.Error())
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Failed to normalize metadata", err.Error())
	}

	// encoding/json sorts map keys, which gives the ordering guarantee.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical metadata: %w", err)
	}
	return out, nil
}

// FormatTimestamp renders timestamps in UTC with microsecond precision, the
// finest precision every supported store keeps.
func FormatTimestamp(ts time.Time) string {
	return NormalizeTimestamp(ts).Format(time.RFC3339Nano)
}

// NormalizeTimestamp truncates to microseconds in UTC.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}
