package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig configures the retry delay curve shared by the queue and
// the delivery pipeline (spec.md §4.3's exact formula:
// delay = min(max, base·2^(attempt-1))·uniform(0.5, 1.5)).
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffConfig matches spec.md's stated defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 30 * time.Second, Max: time.Hour}
}

// newExponential builds a cenkalti/backoff/v4 policy whose growth and
// jitter match spec.md's formula: Multiplier=2 doubles the interval each
// attempt exactly like 2^(attempt-1), and RandomizationFactor=0.5 yields
// the same uniform(0.5, 1.5) jitter band.
func newExponential(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Base
	b.MaxInterval = cfg.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// delayForAttempt returns the retry delay before the given attempt
// number (1-indexed), advancing a fresh backoff policy attempt times so
// the result reflects attempt's position on the curve.
func delayForAttempt(cfg BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := newExponential(cfg)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = cfg.Base
	}
	return d
}
