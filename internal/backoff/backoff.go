// Package backoff holds the wait helpers shared by the connectors and the
// ingestion loops.
package backoff

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Exponential yields initial, 2*initial, 4*initial ... capped at maxDelay. When
// attempts is positive the schedule stops after that many values.
func Exponential(initial, maxDelay time.Duration, attempts int) retry.Backoff {
	b := retry.NewExponential(initial)
	b = retry.WithCappedDuration(maxDelay, b)
	if attempts > 0 {
		b = retry.WithMaxRetries(uint64(attempts), b)
	}
	return b
}

// Sleep waits for d or until ctx is done. A non-positive d only reports ctx.Err().
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
