package circuitbreaker

import (
	"strconv"
	"sync"
	"time"

	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
)

// State is the position of a circuit breaker
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Snapshot is a point in time view of a breaker
type Snapshot struct {
	ChainID       int           `json:"chain_id"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	FailThreshold int           `json:"fail_threshold"`
	FailureWindow time.Duration `json:"failure_window"`
	LastFailure   time.Time     `json:"last_failure"`
	TripTime      time.Time     `json:"trip_time"`
}

// CircuitBreaker pauses job consumption for a chain after repeated transient failures
type CircuitBreaker struct {
	chainID       int
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	logger        logger.Logger
	now           func() time.Time
	mu            sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(chainID int, enabled bool, threshold int, window time.Duration, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		chainID:       chainID,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		logger:        log,
		now:           time.Now,
	}
}

// RecordFailure records a failure and trips the circuit if threshold is reached.
// Returns true when the circuit is open after the call.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.resetTimeout {
			return true
		}
		cb.closeLocked("reset timeout elapsed")
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitBreakerStatus.WithLabelValues(strconv.Itoa(cb.chainID)).Set(1)
		cb.logger.ErrorWithChain(cb.chainID, "Circuit breaker tripped: %d failures within %v", cb.failureCount, cb.failureWindow)
		return true
	}

	return false
}

// RecordSuccess clears the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.closeLocked("reset timeout elapsed")
	}
	return cb.tripped
}

// Reset manually closes the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked("manual reset")
}

// Snapshot returns the current state of the circuit breaker
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := StateClosed
	if cb.tripped {
		state = StateOpen
	}
	return Snapshot{
		ChainID:       cb.chainID,
		State:         state,
		FailureCount:  cb.failureCount,
		FailThreshold: cb.failThreshold,
		FailureWindow: cb.failureWindow,
		LastFailure:   cb.lastFailure,
		TripTime:      cb.tripTime,
	}
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.enabled
}

func (cb *CircuitBreaker) closeLocked(reason string) {
	if cb.tripped {
		cb.logger.NoticeWithChain(cb.chainID, "Circuit breaker closed: %s", reason)
	}
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitBreakerStatus.WithLabelValues(strconv.Itoa(cb.chainID)).Set(0)
}
