// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Capped returns base * 2^min(attempt, maxExponent).
func Capped(base time.Duration, attempt, maxExponent int) time.Duration {
	if maxExponent >= 0 && attempt > maxExponent {
		attempt = maxExponent
	}
	return Exponential(base, attempt)
}
