package delivery

import (
	"math"
	"time"

	"github.com/shohag/hookline/internal/models"
)

// maxBackoffMs is the longest delay a time.Duration can hold, in milliseconds.
const maxBackoffMs = math.MaxInt64 / int64(time.Millisecond)

// Backoff returns the delay before the next attempt after attempts failed
// attempts: initial * multiplier^(attempts-1), capped at the policy maximum
// and at the largest representable time.Duration.
func Backoff(p models.RetryPolicy, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	limit := min(p.MaxDelayMs, maxBackoffMs)
	delay := float64(p.InitialDelayMs) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if delay > float64(limit) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(limit) * time.Millisecond
	}
	return time.Duration(delay) * time.Millisecond
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
