package cadence

import (
	"math"
	"time"
)

// Backoff computes retry delays as Initial * Multiplier^(attempt-1), capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is 1m, 2m, 4m, ... capped at one hour.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2}
}

// Delay returns the wait before retry attempt n (1-indexed; n is the number of
// attempts already made).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
