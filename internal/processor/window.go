// File: internal/processor/window.go
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/storage"
)

// HotWindow keeps the most recent security events in memory as context for
// threshold, pattern and anomaly rules. It is bounded by count and by age.
type HotWindow struct {
	mu     sync.RWMutex
	events []*models.SecurityEvent
	head   int
	size   int
	maxAge time.Duration
}

// NewHotWindow creates a window retaining at most size events no older than maxAge
func NewHotWindow(size int, maxAge time.Duration) *HotWindow {
	if size <= 0 {
		size = 5000
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &HotWindow{
		events: make([]*models.SecurityEvent, size),
		maxAge: maxAge,
	}
}

// Add records event, evicting the oldest when the window is full
func (w *HotWindow) Add(event *models.SecurityEvent) {
	if event == nil {
		return
	}
	e := event.Clone()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.events[w.head] = e
	w.head = (w.head + 1) % len(w.events)
	if w.size < len(w.events) {
		w.size++
	}
}

// Recent returns the retained events not older than maxAge before ref, in
// insertion order. The returned events must be treated as read-only.
func (w *HotWindow) Recent(ref time.Time) []*models.SecurityEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := ref.Add(-w.maxAge)
	out := make([]*models.SecurityEvent, 0, w.size)
	start := (w.head - w.size + len(w.events)) % len(w.events)
	for i := 0; i < w.size; i++ {
		e := w.events[(start+i)%len(w.events)]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained events
func (w *HotWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// MaxAge returns the window's age bound
func (w *HotWindow) MaxAge() time.Duration {
	return w.maxAge
}

// Warm fills the window from the newest committed chain entries and returns
// how many were loaded.
func (w *HotWindow) Warm(ctx context.Context, store storage.ChainStore) (int, error) {
	tail, err := store.Tail(ctx)
	if err != nil {
		return 0, err
	}
	if tail.SequenceNumber == 0 {
		return 0, nil
	}

	from := tail.SequenceNumber - int64(len(w.events)) + 1
	if from < 1 {
		from = 1
	}
	entries, err := store.ReadRange(ctx, from, tail.SequenceNumber)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-w.maxAge)
	loaded := 0
	for _, entry := range entries {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		w.Add(entry.Event())
		loaded++
	}
	return loaded, nil
}
