package messaging

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential redelivery schedule.
// Delay(n) = Initial * Multiplier^(n-1), capped at Max, spread by ±Jitter/2 of itself.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the total spread as a fraction of the delay (0.3 means ±15%).
	Jitter float64
}

// DefaultBackoff is used when neither the job nor the client configure one.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.3,
	}
}

// IsZero reports whether no field was configured.
func (b Backoff) IsZero() bool {
	return b.Initial == 0 && b.Max == 0 && b.Multiplier == 0 && b.Jitter == 0
}

// Delay returns the wait before delivery attempt+1, given a 1-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay + rand.Float64()*j*delay - (j/2)*delay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
