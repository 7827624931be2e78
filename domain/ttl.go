package domain

import (
	"ephemeral-lab/errors"
	"fmt"
	"math"
	"time"
)

// TTLFromSeconds converts a self-destruct interval given in seconds, fractions
// included. It rejects negative, non-finite and overflowing values.
func TTLFromSeconds(seconds float64) (*time.Duration, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDuration, seconds)
	}
	if seconds < 0 {
		return nil, fmt.Errorf("%w: %v is negative", errors.ErrInvalidDuration, seconds)
	}
	if seconds >= math.MaxInt64/float64(time.Second) {
		return nil, fmt.Errorf("%w: %v seconds overflows", errors.ErrInvalidDuration, seconds)
	}
	d := time.Duration(seconds * float64(time.Second))
	return &d, nil
}
