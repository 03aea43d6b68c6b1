package models

import (
	"time"
)

// Severity ranks security events and threat rules.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s ranks at or above floor.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

// Actor identifies who or what caused a security event
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Key returns the user id when present and the ip address otherwise.
func (a Actor) Key() string {
	if a.UserID != "" {
		return a.UserID
	}
	return a.IPAddress
}

// SecurityEvent is a security relevant occurrence submitted by an application
type SecurityEvent struct {
	EventType string                 `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     Actor                  `json:"actor"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy whose metadata map can be changed independently.
func (e *SecurityEvent) Clone() *SecurityEvent {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Event types emitted by the service itself
const (
	EventTypeThreatDetected = "THREAT_DETECTED"
)
