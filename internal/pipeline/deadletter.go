package pipeline

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// DeadLetterQueue keeps writes that exhausted their retries for manual
// inspection. When full, the oldest dead letter is evicted.
type DeadLetterQueue struct {
	mu       sync.RWMutex
	capacity int
	jobs     []*models.EnqueuedWrite
	evicted  int64
	logger   *logrus.Entry
}

// NewDeadLetterQueue creates a dead letter queue holding at most capacity jobs
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{
		capacity: capacity,
		logger:   utils.ComponentLogger("dead_letters"),
	}
}

// Add stores failed jobs
func (d *DeadLetterQueue) Add(jobs ...*models.EnqueuedWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, job := range jobs {
		if len(d.jobs) >= d.capacity {
			dropped := d.jobs[0]
			d.jobs = d.jobs[1:]
			d.evicted++
			d.logger.WithField("job_id", dropped.ID).Warn("Dead letter queue full, evicting oldest job")
		}
		d.jobs = append(d.jobs, job.Snapshot())
	}
}

// List returns a copy of the dead letters, oldest first
func (d *DeadLetterQueue) List() []*models.EnqueuedWrite {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*models.EnqueuedWrite, len(d.jobs))
	for i, job := range d.jobs {
		out[i] = job.Snapshot()
	}
	return out
}

// Get returns one dead letter by job id
func (d *DeadLetterQueue) Get(id string) (*models.EnqueuedWrite, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, job := range d.jobs {
		if job.ID == id {
			return job.Snapshot(), true
		}
	}
	return nil, false
}

// Drain removes and returns every dead letter
func (d *DeadLetterQueue) Drain() []*models.EnqueuedWrite {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.jobs
	d.jobs = nil
	return out
}

// Len returns the number of dead letters held
func (d *DeadLetterQueue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.jobs)
}

// Evicted returns how many dead letters were dropped for capacity
func (d *DeadLetterQueue) Evicted() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.evicted
}
