package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// delayForAttempt mirrors queue.delayForAttempt: the same
// cenkalti/backoff/v4 exponential-with-jitter curve (spec.md §4.3's
// formula, reused verbatim by §4.6 "Retry policy per attempt").
func delayForAttempt(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Base
	b.MaxInterval = policy.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = policy.Base
	}
	return d
}
