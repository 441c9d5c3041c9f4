package conn

import (
	"math"
	"math/rand"
	"time"
)

// Policy decides how hard a logical connection tries to come back.
type Policy interface {
	// MaxAttempts bounds dials per reconnect. After that the connection
	// fails and its pending sends are reported.
	MaxAttempts() int

	// Delay is how long to wait before attempt+1, given attempt failed.
	Delay(attempt int) time.Duration

	// AttemptTimeout bounds one dial plus handshake.
	AttemptTimeout() time.Duration
}

// Backoff is an exponential Policy with jitter.
type Backoff struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0.2 means ±20%
	Timeout    time.Duration
}

// DefaultBackoff returns the policy used when none is configured:
// 10 attempts, 100ms doubling up to 10s with 20% jitter, 5s per attempt.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:   10,
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Timeout:    5 * time.Second,
	}
}

func (b Backoff) MaxAttempts() int              { return b.Attempts }
func (b Backoff) AttemptTimeout() time.Duration { return b.Timeout }

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
