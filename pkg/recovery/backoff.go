package recovery

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection strategy constants.
const (
	// InitialBackoff is the first reconnection delay.
	InitialBackoff = 2 * time.Second

	// MaxBackoff caps the reconnection delay.
	MaxBackoff = 60 * time.Second

	// BackoffMultiplier is the factor by which the delay grows.
	BackoffMultiplier = 2.0

	// MaxReconnectAttempts is how many consecutive failures are tolerated
	// before a device is abandoned.
	MaxReconnectAttempts = 5
)

// Backoff produces the reconnection delay sequence for one device:
// 2s, 4s, 8s, 16s, 32s, capped at 60s. No jitter by default, so the
// sequence is exact and predictable; a fraction can be configured where
// thundering-herd behavior matters.
type Backoff struct {
	mu sync.Mutex

	current  time.Duration
	attempts int

	initial     time.Duration
	max         time.Duration
	multiplier  float64
	maxAttempts int
	jitter      float64
	rng         *rand.Rand
}

// BackoffConfig customizes the strategy. Zero values take the defaults.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      float64
}

// NewBackoff creates a strategy with the default sequence.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{})
}

// NewBackoffWithConfig creates a strategy with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxReconnectAttempts
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		current:     cfg.Initial,
		initial:     cfg.Initial,
		max:         cfg.Max,
		multiplier:  cfg.Multiplier,
		maxAttempts: cfg.MaxAttempts,
		jitter:      cfg.Jitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the strategy.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Exhausted reports whether the attempt budget is spent.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= b.maxAttempts
}

// Attempts returns the number of attempts since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the initial state. Called after any successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
