// Package loop runs a task repeatedly, carrying a value from one round to the next.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/opst/knitops/pkg/utils/retry"
)

// Next is the decision of a task: continue after an interval, or break.
type Next struct {
	stop     bool
	err      error
	interval time.Duration
}

func (n Next) String() string {
	switch {
	case n.err != nil:
		return fmt.Sprintf("[break] with error: %v", n.err)
	case n.stop:
		return "[break] without error"
	default:
		return fmt.Sprintf("[continue] interval: %s", n.interval)
	}
}

// Continue runs the task again after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. Start returns err.
func Break(err error) Next {
	return Next{stop: true, err: err}
}

// Task is one round of a loop.
//
// It receives the value of the last round (or the initial value), and returns the next one.
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task until it breaks or ctx is done.
//
// The zero Next is Continue(0).
//
// # Returns
//
// - T: the value the task returned last, or init if the task has never run.
//
// - error: the error passed to Break, or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	if err := ctx.Err(); err != nil {
		return init, err
	}

	value := init
	for {
		next := round(ctx, value, task, options, &value)
		if next.stop {
			return value, next.err
		}
		// cancellation wins over the timer, even when both are ready.
		if err := retry.Sleep(ctx, next.interval); err != nil {
			return value, err
		}
		if err := ctx.Err(); err != nil {
			return value, err
		}
	}
}

func round[T any](ctx context.Context, value T, task Task[T], options []Option, out *T) Next {
	c := &roundContext{ctx: ctx}
	for _, opt := range options {
		c = opt(c)
	}
	defer c.release()

	var next Next
	*out, next = task(c.ctx, value)
	return next
}

type roundContext struct {
	ctx     context.Context
	cancels []context.CancelFunc
}

func (r *roundContext) release() {
	for i := len(r.cancels) - 1; 0 <= i; i-- {
		r.cancels[i]()
	}
}

type Option func(*roundContext) *roundContext

// WithTimeout limits each round to d.
//
// The timeout is on the context passed to the task, not on the loop.
func WithTimeout(d time.Duration) Option {
	return func(r *roundContext) *roundContext {
		ctx, cancel := context.WithTimeout(r.ctx, d)
		return &roundContext{ctx: ctx, cancels: append(r.cancels, cancel)}
	}
}
