package bridge

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy decides how long to wait before the next connection attempt.
type Strategy interface {
	// NextDelay returns the next delay and whether another attempt is allowed.
	NextDelay() (time.Duration, bool)
	// Reset restarts the strategy from its initial state.
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per retry, up to MaxDelay,
// with ±20% jitter. MaxRetries of zero retries forever.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int

	currentDelay time.Duration
	retryCount   int
	mu           sync.Mutex
}

// NewExponentialBackoff creates an exponential backoff strategy.
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
		currentDelay: initialDelay,
	}
}

func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MaxRetries > 0 && e.retryCount >= e.MaxRetries {
		return 0, false
	}

	jitter := 0.8 + 0.4*rand.Float64()
	delay := time.Duration(float64(e.currentDelay) * jitter)

	e.currentDelay = time.Duration(float64(e.currentDelay) * e.Multiplier)
	if e.currentDelay > e.MaxDelay {
		e.currentDelay = e.MaxDelay
	}
	e.retryCount++

	return delay, true
}

func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentDelay = e.InitialDelay
	e.retryCount = 0
}

// Retries returns how many delays were handed out since the last Reset.
func (e *ExponentialBackoff) Retries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}
