// Package circuit implements per-source circuit breakers. A source
// that fails repeatedly is blocked until a recovery timeout elapses,
// then probed through a half-open state before traffic resumes.
package circuit

import (
	"log"
	"sync"
	"time"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stats is a snapshot of a single breaker.
type Stats struct {
	Name             string  `json:"name"`
	State            State   `json:"state"`
	FailureCount     int     `json:"failure_count"`
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  float64 `json:"recovery_timeout"`
	TotalSuccesses   uint64  `json:"total_successes"`
	TotalFailures    uint64  `json:"total_failures"`
	TotalRejected    uint64  `json:"total_rejected"`
	LastFailureUnix  int64   `json:"last_failure_time,omitempty"`
	LastStateChange  int64   `json:"last_state_change"`
}

// Breaker is a single named circuit breaker. All state transitions
// happen under its mutex; recovery from OPEN to HALF_OPEN is lazy,
// checked on each observation.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           State
	failureCount    int
	totalSuccesses  uint64
	totalFailures   uint64
	totalRejected   uint64
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewBreaker creates a CLOSED breaker.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying lazy OPEN->HALF_OPEN
// recovery first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	return b.state
}

// CanExecute reports whether a request may pass. Rejections while OPEN
// are counted.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	if b.state == StateOpen {
		b.totalRejected++
		return false
	}
	return true
}

// RecordSuccess resets the consecutive failure count and closes the
// circuit if it was probing recovery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.failureCount = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
		log.Printf("[circuit] %s recovered -> closed", b.name)
	}
}

// RecordFailure counts a failure. A failure during HALF_OPEN reopens
// the circuit immediately; hitting the threshold while CLOSED trips it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.failureCount++
	b.lastFailure = time.Now()

	switch {
	case b.state == StateHalfOpen:
		b.transitionTo(StateOpen)
		log.Printf("[circuit] %s recovery failed -> open", b.name)
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.transitionTo(StateOpen)
		log.Printf("[circuit] %s tripped (%d failures) -> open", b.name, b.failureCount)
	}
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transitionTo(StateClosed)
}

// Stats returns a snapshot, applying lazy recovery first.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	st := Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout.Seconds(),
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		TotalRejected:    b.totalRejected,
		LastStateChange:  b.lastStateChange.Unix(),
	}
	if !b.lastFailure.IsZero() {
		st.LastFailureUnix = b.lastFailure.Unix()
	}
	return st
}

// checkRecovery moves OPEN to HALF_OPEN once recoveryTimeout has passed
// since the last failure. Caller holds b.mu.
func (b *Breaker) checkRecovery() {
	if b.state != StateOpen {
		return
	}
	if time.Since(b.lastFailure) >= b.recoveryTimeout {
		b.transitionTo(StateHalfOpen)
		log.Printf("[circuit] %s recovery timeout elapsed -> half_open", b.name)
	}
}

func (b *Breaker) transitionTo(s State) {
	b.state = s
	b.lastStateChange = time.Now()
}
