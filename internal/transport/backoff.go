package transport

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial by
// Multiplier, capped at Max, with up to Jitter (a fraction) shaved off at
// random so clients that dropped together do not return together.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// MaxAttempts stops reconnecting after that many consecutive failed
	// dials. Zero means retry forever.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Delay returns the wait before the given attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial, ceiling, mult := b.Initial, b.Max, b.Multiplier
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if ceiling < initial {
		ceiling = initial
	}
	if mult < 1 {
		mult = 1
	}

	delay := float64(initial)
	for i := 0; i < attempt && delay < float64(ceiling); i++ {
		delay *= mult
	}
	delay = min(delay, float64(ceiling))

	if j := min(max(b.Jitter, 0), 1); j > 0 {
		delay -= delay * j * rand.Float64() //nolint:gosec // jitter needs no crypto randomness
	}
	return time.Duration(delay)
}
