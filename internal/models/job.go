package models

import "time"

// JobState tracks an enqueued write through the batch writer
type JobState string

const (
	JobWaiting   JobState = "WAITING"
	JobActive    JobState = "ACTIVE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// EnqueuedWrite is a pending append to the chain
type EnqueuedWrite struct {
	ID             string         `json:"id"`
	Payload        *SecurityEvent `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	Attempts       int            `json:"attempts"`
	State          JobState       `json:"state"`
	LastError      string         `json:"last_error,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
}

// Snapshot returns a copy safe to hand out while the writer keeps mutating the job.
func (j *EnqueuedWrite) Snapshot() *EnqueuedWrite {
	c := *j
	return &c
}
