package retry

import (
	"math"
	"time"
)

// Delay returns how long to wait before re-sending a delivery that has
// already been attempted priorAttempts times beyond the first send.
//
// The delay is min(multiplier^priorAttempts, maxBackoff) seconds, so it never
// decreases as priorAttempts grows and never exceeds maxBackoff.
func Delay(multiplier float64, priorAttempts int, maxBackoff time.Duration) time.Duration {
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	if multiplier < 1 {
		multiplier = 1
	}

	seconds := math.Pow(multiplier, float64(priorAttempts))
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}
