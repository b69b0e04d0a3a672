package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks a job failure that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Backoff returns base·2^(attempt−1) capped at max. Attempts start at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
