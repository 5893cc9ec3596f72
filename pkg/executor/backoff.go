package executor

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelayMS = 100
	defaultMaxDelayMS  = 30_000
	jitterFraction     = 0.25
)

// RetryDelay computes the wait before the given retry attempt (1-indexed):
// min(max, base*2^(attempt-1)), randomized within ±25% and clamped to max.
// For attempt=3, base=100, max=1000 the result is always within [300ms, 500ms].
func RetryDelay(attempt, baseDelayMS, maxDelayMS int) time.Duration {
	if baseDelayMS <= 0 {
		baseDelayMS = defaultBaseDelayMS
	}

	if maxDelayMS <= 0 {
		maxDelayMS = defaultMaxDelayMS
	}

	if attempt < 1 {
		attempt = 1
	}

	delay := float64(baseDelayMS) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelayMS) {
		delay = float64(maxDelayMS)
	}

	// Spread retries to avoid thundering herds.
	jittered := delay * (1 - jitterFraction + 2*jitterFraction*rand.Float64())
	if jittered > float64(maxDelayMS) {
		jittered = float64(maxDelayMS)
	}

	return time.Duration(jittered) * time.Millisecond
}
