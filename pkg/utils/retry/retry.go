package retry

import (
	"context"
	"time"
)

// Backoff is a (blocking) function returns when to retry.
//
// # Args
//
// - context: context. If context is canceled, Backoff should return ctx.Err().
//
// # Returns
//
// - error: nil if retry, non-nil if not.
type Backoff func(context.Context) error

// StaticBackoff returns a Backoff function that waits for a fixed interval.
func StaticBackoff(interval time.Duration) Backoff {
	return CappedBackoff(interval, 1, interval)
}

// CappedBackoff returns a Backoff function that waits with exponential backoff,
// up to ceiling.
//
// # Args
//
// - initial: interval of the first wait.
//
// - r: multiplier of interval.
//
// - ceiling: upper bound of interval.
//
// # Returns
//
// Backoff function.
// For N-th call, it waits for min(`initial * r^N`, ceiling) or context to be done.
//
// Each Backoff keeps its own interval. Create new one for each sequence of retries.
func CappedBackoff(initial time.Duration, r float64, ceiling time.Duration) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
		next := time.Duration(float64(interval) * r)
		if ceiling < next {
			next = ceiling
		}
		interval = next
		return nil
	}
}

// Sleep waits for d or ctx to be done, whichever comes first.
//
// It returns ctx.Err() when ctx is done before d passes.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
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
