package registry

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/classify"
)

// BreakerState is the circuit breaker state of one sub-provider.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breakerCooldown is how long an open breaker waits before letting trial
// traffic through again.
const breakerCooldown = 30 * time.Second

// breaker is the per-sub-provider circuit breaker. The failure threshold and
// error window come from the classifier configuration. Zero value is a
// closed breaker.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	consecutive int
	lastFailure time.Time
	openedAt    time.Time

	// test overrides; zero means the package defaults
	threshold int
	window    time.Duration
	cooldown  time.Duration
}

func (b *breaker) effThreshold() int {
	if b.threshold > 0 {
		return b.threshold
	}
	return classify.MaxConsecutiveErrors
}

func (b *breaker) effWindow() time.Duration {
	if b.window > 0 {
		return b.window
	}
	return classify.ErrorWindow
}

func (b *breaker) effCooldown() time.Duration {
	if b.cooldown > 0 {
		return b.cooldown
	}
	return breakerCooldown
}

// Available reports whether the breaker admits requests now. An open breaker
// whose cooldown has elapsed moves to half-open; the next request is the
// trial.
func (b *breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.effCooldown() {
			return false
		}
		b.state = BreakerHalfOpen
	}
	return true
}

// RecordSuccess closes the breaker and clears the consecutive-error streak.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	b.state = BreakerClosed
	b.consecutive = 0
	b.mu.Unlock()
}

// RecordFailure counts one health-relevant failure. In half-open any failure
// reopens immediately; in closed the streak is windowed and the breaker trips
// at the threshold.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.lastFailure = now
		return
	}

	// Streaks decay: a failure after a quiet window starts a new streak.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.effWindow() {
		b.consecutive = 0
	}
	b.consecutive++
	b.lastFailure = now

	if b.state == BreakerClosed && b.consecutive >= b.effThreshold() {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

// State returns the current state without side effects.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Consecutive returns the current failure streak.
func (b *breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
