package models

import (
	"time"
)

// AlertPayload is delivered to the alert webhook for a matched finding
type AlertPayload struct {
	ID        string                `json:"id"`
	Source    string                `json:"source"`
	Timestamp time.Time             `json:"timestamp"`
	Finding   *RuleEvaluationResult `json:"finding"`
	Event     *SecurityEvent        `json:"event"`
	Version   string                `json:"version"`
}
