package infra

import (
	"math"
	"time"
)

// ExponentialBackoff returns min(base * 2^(attempt-1), max) for attempt >= 1.
// Used by the exchange stream manager.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Guard the shift against overflow for large attempt counts.
	factor := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * factor)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// LinearBackoff returns min(base * attempt, max) for attempt >= 1.
// Used by the backend channel manager.
func LinearBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
