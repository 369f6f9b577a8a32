package pipeline

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/maxpert/tailbridge/cfg"
)

// RetryPolicy governs publish attempts per row. MaxAttempts counts attempts,
// not retries: a budget of 3 means three publishes, then Failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0..1
	MaxDelay    time.Duration

	rand func() float64
}

// RetryPolicyFrom builds the policy from configuration
func RetryPolicyFrom(c cfg.RetryConfiguration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMS) * time.Millisecond,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		MaxDelay:    time.Duration(c.MaxDelayMS) * time.Millisecond,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempts` attempts
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns the wait before the attempt following attempt number `attempt`
// (1-based): BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, then
// spread by +/- Jitter. The result never exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		d += d * p.Jitter * (2*r() - 1)
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
