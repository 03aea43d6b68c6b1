package models

import "time"

// GenesisHash is the previous hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LogEntry is one committed record of the hash chained security log
type LogEntry struct {
	ID             string                 `json:"id" db:"id"`
	SequenceNumber int64                  `json:"sequence_number" db:"sequence_number"`
	EventType      string                 `json:"event_type" db:"event_type"`
	Severity       Severity               `json:"severity" db:"severity"`
	Timestamp      time.Time              `json:"timestamp" db:"timestamp"`
	Actor          Actor                  `json:"actor" db:"-"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Hash           string                 `json:"hash" db:"hash"`
	PreviousHash   string                 `json:"previous_hash" db:"previous_hash"`
	Archived       bool                   `json:"archived" db:"archived"`
	ArchivedAt     *time.Time             `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// Event returns the security event recorded by the entry.
func (e *LogEntry) Event() *SecurityEvent {
	return &SecurityEvent{
		EventType: e.EventType,
		Severity:  e.Severity,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Metadata:  e.Metadata,
	}
}

// ChainTail is the last committed position of the chain
type ChainTail struct {
	SequenceNumber int64  `json:"sequence_number"`
	Hash           string `json:"hash"`
}

// EmptyTail is the tail of a chain with no entries.
func EmptyTail() ChainTail {
	return ChainTail{SequenceNumber: 0, Hash: GenesisHash}
}

// LogFilter for querying log entries
type LogFilter struct {
	EventType       *string    `json:"event_type,omitempty"`
	ActorID         *string    `json:"actor_id,omitempty"`
	Severity        *Severity  `json:"severity,omitempty"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
	IncludeArchived bool       `json:"include_archived"`
	Page            int        `json:"page"`
	Limit           int        `json:"limit"`
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps paging values to sane bounds.
func (f *LogFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
}

// Offset returns the number of rows skipped for the current page.
func (f *LogFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// LogPage is a paginated query result
type LogPage struct {
	Entries    []*LogEntry `json:"entries"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// NewLogPage builds a page from a normalized filter.
func NewLogPage(entries []*LogEntry, total int64, filter LogFilter) *LogPage {
	pages := 0
	if filter.Limit > 0 {
		pages = int((total + int64(filter.Limit) - 1) / int64(filter.Limit))
	}
	if entries == nil {
		entries = []*LogEntry{}
	}
	return &LogPage{
		Entries:    entries,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: pages,
	}
}
