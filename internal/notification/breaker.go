package notification

import (
	"sync"
	"time"

	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// ErrCircuitOpen is returned when the breaker rejects a delivery without attempting it
var ErrCircuitOpen = utils.NewAppError(utils.ErrCodeCircuitOpen, "alert circuit breaker is open")

// BreakerState is the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// BreakerStats provides circuit breaker statistics
type BreakerStats struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalSuccesses      uint64       `json:"total_successes"`
	TotalFailures       uint64       `json:"total_failures"`
	Rejected            uint64       `json:"rejected"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	LastStateChange     time.Time    `json:"last_state_change"`
}

// CircuitBreaker guards the alert webhook.
//
// CLOSED counts consecutive failures and opens at the threshold. OPEN rejects
// every call until ResetTimeout has elapsed; the first call after that moves
// to HALF_OPEN and is the only probe let through. The probe's success closes
// the breaker, its failure reopens it with a fresh timeout.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	now    func() time.Time

	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
	changedAt     time.Time

	successes uint64
	failed    uint64
	rejected  uint64

	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker. clock may be nil to use time.Now.
func NewCircuitBreaker(config BreakerConfig, clock func() time.Time) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		config:    config,
		now:       clock,
		state:     StateClosed,
		changedAt: clock(),
	}
}

// OnStateChange registers a callback run after every transition, outside the breaker lock
func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a delivery may be attempted. Every nil return must be
// followed by RecordSuccess or RecordFailure.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from := b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil

	default:
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess records a successful delivery
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	b.successes++
	b.failures = 0

	if b.state != StateHalfOpen {
		b.mu.Unlock()
		return
	}
	b.probeInFlight = false
	from := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// RecordFailure records a failed delivery
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.failed++

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		from := b.transitionLocked(StateOpen)
		b.mu.Unlock()
		b.notify(from, StateOpen)

	case StateClosed:
		b.failures++
		if b.failures < b.config.FailureThreshold {
			b.mu.Unlock()
			return
		}
		b.openedAt = b.now()
		from := b.transitionLocked(StateOpen)
		b.mu.Unlock()
		b.notify(from, StateOpen)

	default:
		b.mu.Unlock()
	}
}

// State returns the current state. An OPEN breaker whose timeout elapsed
// still reports OPEN until the next Allow.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns breaker statistics
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TotalSuccesses:      b.successes,
		TotalFailures:       b.failed,
		Rejected:            b.rejected,
		LastStateChange:     b.changedAt,
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		stats.OpenedAt = &openedAt
	}
	return stats
}

// Reset forces the breaker closed
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.probeInFlight = false
	from := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *CircuitBreaker) transitionLocked(to BreakerState) BreakerState {
	from := b.state
	b.state = to
	b.changedAt = b.now()
	return from
}

func (b *CircuitBreaker) notify(from, to BreakerState) {
	if from == to {
		return
	}
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
