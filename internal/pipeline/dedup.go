package pipeline

import (
	"strconv"
	"sync"
	"time"

	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

type dedupEntry struct {
	jobID  string
	seenAt time.Time
}

// DedupCache suppresses repeated submissions of the same underlying event.
// The idempotency key is derived from event type, actor, a time bucket of
// Window width and, optionally, the canonical metadata. A nil cache disables
// duplicate detection.
type DedupCache struct {
	mu              sync.Mutex
	window          time.Duration
	includeMetadata bool
	entries         map[string]dedupEntry
	lastPurge       time.Time
	now             func() time.Time
}

// NewDedupCache creates a cache with the given bucket width
func NewDedupCache(window time.Duration, includeMetadata bool) *DedupCache {
	return &DedupCache{
		window:          window,
		includeMetadata: includeMetadata,
		entries:         make(map[string]dedupEntry),
		now:             time.Now,
	}
}

// Key returns the idempotency key for event
func (d *DedupCache) Key(event *models.SecurityEvent) string {
	if d == nil {
		return ""
	}

	bucket := event.Timestamp.UTC().Truncate(d.window).Unix()
	buf := make([]byte, 0, 128)
	buf = append(buf, event.EventType...)
	buf = append(buf, 0)
	buf = append(buf, event.Actor.Key()...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, bucket, 10)

	if d.includeMetadata {
		// Metadata that cannot be encoded still yields a usable, coarser key.
		if canonical, err := integrity.CanonicalJSON(event.Metadata); err == nil {
			buf = append(buf, 0)
			buf = append(buf, canonical...)
		}
	}
	return utils.SHA256Hex(buf)
}

// Lookup returns the job that already claimed key, if it is still fresh
func (d *DedupCache) Lookup(key string) (string, bool) {
	if d == nil || key == "" {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		return "", false
	}
	if d.now().Sub(entry.seenAt) > 2*d.window {
		delete(d.entries, key)
		return "", false
	}
	return entry.jobID, true
}

// Remember records that jobID claimed key
func (d *DedupCache) Remember(key, jobID string) {
	if d == nil || key == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.entries[key] = dedupEntry{jobID: jobID, seenAt: now}
	if now.Sub(d.lastPurge) > d.window {
		d.purgeLocked(now)
	}
}

// Forget releases key so the event can be submitted again
func (d *DedupCache) Forget(key string) {
	if d == nil || key == "" {
		return
	}

	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

// Len returns the number of tracked keys
func (d *DedupCache) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *DedupCache) purgeLocked(now time.Time) {
	for key, entry := range d.entries {
		if now.Sub(entry.seenAt) > 2*d.window {
			delete(d.entries, key)
		}
	}
	d.lastPurge = now
}
