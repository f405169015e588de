package dispatch

import (
	"context"
	"time"
)

// RetryPolicy bounds the poll-and-sleep loop used to wait for writers to
// leave a path before a rename.
//
// The wait is best effort: a writer may open the path right after the
// condition is observed.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy makes 20 attempts 5ms apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 20, Delay: 5 * time.Millisecond}

// Wait evaluates cond up to MaxAttempts times, sleeping Delay between
// attempts, and reports whether cond held. It returns false early if ctx
// is done.
func (p RetryPolicy) Wait(ctx context.Context, cond func() bool) bool {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if cond() {
			return true
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}
