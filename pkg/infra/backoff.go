package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff computes exponential delays. It is used two ways: stateless through
// Delay (retry scheduling, where the attempt number comes from the message) and
// stateful through Next/Reset (reconnect loops)
type Backoff struct {
	base       time.Duration
	max        time.Duration // 0 means unbounded
	multiplier float64
	jitter     float64 // fraction of the delay, e.g. 0.2 => +/-20%

	mu       sync.Mutex
	attempts int
}

// NewBackoff returns a reconnect backoff with +/-20% jitter capped at max
func NewBackoff(base, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		base:       base,
		max:        max,
		multiplier: mult,
		jitter:     0.2,
	}
}

// NewExponential returns a deterministic base * mult^n backoff without cap or jitter
func NewExponential(base time.Duration, mult float64) *Backoff {
	return &Backoff{
		base:       base,
		multiplier: mult,
	}
}

// Delay returns the delay for the given zero-based attempt, jitter applied
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	raw := float64(b.base) * math.Pow(b.multiplier, float64(attempt))
	if b.max > 0 && raw > float64(b.max) {
		raw = float64(b.max)
	}
	if raw >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	wait := time.Duration(raw)
	if b.jitter > 0 {
		factor := rand.Float64()*2*b.jitter - b.jitter
		wait = max(wait+time.Duration(factor*raw), b.base)
	}
	return wait
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.Delay(b.attempts)
	b.attempts++
	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
