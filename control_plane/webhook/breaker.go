package webhook

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Probing recovery
	CircuitOpen                         // Rejecting deliveries
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops deliveries to an endpoint after consecutive failures
// and lets a single probe through once the cooldown has passed.
type CircuitBreaker struct {
	mu    sync.Mutex
	state CircuitState

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a delivery may be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.probing = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		cb.probing = false
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakers holds one CircuitBreaker per webhook client.
type breakers struct {
	mu        sync.Mutex
	byClient  map[string]*CircuitBreaker
	threshold int
	cooldown  time.Duration
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{byClient: make(map[string]*CircuitBreaker), threshold: threshold, cooldown: cooldown}
}

func (b *breakers) get(clientID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.byClient[clientID]
	if !ok {
		cb = NewCircuitBreaker(b.threshold, b.cooldown)
		b.byClient[clientID] = cb
	}
	return cb
}
