// Package backoff provides exponential backoff with jitter for the
// provider-stream retry loop and session lock acquisition.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the first retry, in milliseconds.
	InitialMs float64
	// MaxMs caps the computed delay, in milliseconds.
	MaxMs float64
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// StreamRetryPolicy is the schedule for retrying rate-limited provider
// streams: 300ms, then 3s, capped at 30s, each with up to 10% jitter.
func StreamRetryPolicy() Policy {
	return Policy{InitialMs: 300, MaxMs: 30000, Factor: 10, Jitter: 0.1}
}

// LockAcquirePolicy is the schedule for polling a contended session lock:
// 100ms doubling up to a 1s cap. The overall wait deadline is enforced by
// the caller.
func LockAcquirePolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0.1}
}

// Compute calculates the delay for a given attempt number (1-indexed).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0). Deterministic, for tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}
