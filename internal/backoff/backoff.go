// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top
	// of the base delay so that concurrent retriers spread out.
	Jitter float64
}

// Default returns the policy used for most retry loops:
// 500ms initial, 30s cap, doubling, 20% jitter.
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Quick returns a policy for short in-run retries (tool execution):
// 250ms initial, 5s cap, doubling, 10% jitter.
func Quick() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the delay for a given attempt number. Attempts start
// at 1. The formula is base = Initial * Factor^(attempt-1), plus
// base * Jitter * random(), clamped to Max.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand is the deterministic core of Delay, split out so tests
// can pin the random value.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jittered := base + base*p.Jitter*random
	return time.Duration(math.Min(jittered, float64(p.Max)))
}

// Sleep blocks for the attempt's delay or until ctx is cancelled,
// whichever comes first. Returns ctx.Err() on cancellation and nil
// after a full sleep.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
