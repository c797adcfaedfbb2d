package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// State represents the state of the circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// ErrOpen is returned without running the operation while the circuit is open
var ErrOpen = errors.New("circuit breaker open")

// Breaker stops calling a failing dependency after a run of consecutive
// failures and lets a probe through once the cooldown has passed.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker opens after threshold consecutive failures and half-opens after cooldown
func NewBreaker(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.state = StateHalfOpen
	logger.Warn("Circuit breaker HALF-OPEN - allowing probe",
		zap.String("breaker", b.name))
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", b.name))
		}
		b.state = StateClosed
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.threshold {
		if b.state != StateOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}
