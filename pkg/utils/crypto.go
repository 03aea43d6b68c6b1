package utils

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// NewJobID returns a new random UUID used for queued writes and rules.
func NewJobID() string {
	return uuid.NewString()
}

// SHA256Hex returns the hex encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Keccak256Hex returns the hex encoded keccak256 digest of data, without the 0x prefix.
func Keccak256Hex(data []byte) string {
	return hex.EncodeToString(crypto.Keccak256(data))
}
