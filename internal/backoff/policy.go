// Package backoff retries object-store operations with exponential backoff
// and jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the delay schedule between attempts.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the
	// base delay.
	Jitter float64
}

// ObjectStorePolicy suits checkpoint uploads and downloads: three tries,
// 100ms doubling up to 5s, 50% jitter.
func ObjectStorePolicy() Policy {
	return Policy{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   0.5,
	}
}

// Delay returns the wait after the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes min(Max, base + base*Jitter*r) with
// base = Initial * Factor^(attempt-1).
func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
