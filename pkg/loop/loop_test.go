package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/knitops/pkg/loop"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStart(t *testing.T) {
	t.Run("when the task breaks without error, it should return the last value", func(t *testing.T) {
		actual, err := loop.Start(context.Background(), 0, func(_ context.Context, v int) (int, loop.Next) {
			if v == 5 {
				return v, loop.Break(nil)
			}
			return v + 1, loop.Continue(0)
		})
		require.NoError(t, err)
		require.Equal(t, 5, actual)
	})

	t.Run("when the task breaks with error, it should return the error with the last value", func(t *testing.T) {
		expectedErr := errors.New("fake error")
		actual, err := loop.Start(context.Background(), 10, func(_ context.Context, v int) (int, loop.Next) {
			if v == 7 {
				return v * 2, loop.Break(expectedErr)
			}
			return v - 1, loop.Continue(time.Millisecond)
		})
		require.ErrorIs(t, err, expectedErr)
		require.Equal(t, 14, actual)
	})

	t.Run("when the context is done before start, it should not call the task", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		actual, err := loop.Start(ctx, "init", func(_ context.Context, v string) (string, loop.Next) {
			called = true
			return "called", loop.Continue(0)
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, "init", actual)
		require.False(t, called)
	})

	t.Run("when the context is done during interval, it should stop waiting", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		begin := time.Now()
		actual, err := loop.Start(ctx, 0, func(_ context.Context, v int) (int, loop.Next) {
			return v + 1, loop.Continue(time.Hour)
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, 1, actual)
		require.Less(t, time.Since(begin), time.Minute)
	})

	t.Run("it should repeat the task with interval", func(t *testing.T) {
		interval := 5 * time.Millisecond
		begin := time.Now()
		_, err := loop.Start(context.Background(), 0, func(_ context.Context, v int) (int, loop.Next) {
			if v == 4 {
				return v, loop.Break(nil)
			}
			return v + 1, loop.Continue(interval)
		})
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(begin), 4*interval)
	})

	t.Run("when WithTimeout is given, each task should get a context with deadline", func(t *testing.T) {
		deadlines := []time.Time{}
		_, err := loop.Start(context.Background(), 0, func(ctx context.Context, v int) (int, loop.Next) {
			d, ok := ctx.Deadline()
			require.True(t, ok)
			deadlines = append(deadlines, d)
			if v == 2 {
				return v, loop.Break(nil)
			}
			return v + 1, loop.Continue(time.Millisecond)
		}, loop.WithTimeout(time.Minute))
		require.NoError(t, err)
		require.Len(t, deadlines, 3)
		require.True(t, deadlines[0].Before(deadlines[2]))
	})

	t.Run("when WithTimeout is given, the context of the last task should be canceled after it returns", func(t *testing.T) {
		var last context.Context
		_, err := loop.Start(context.Background(), 0, func(ctx context.Context, v int) (int, loop.Next) {
			last = ctx
			return v, loop.Break(nil)
		}, loop.WithTimeout(time.Minute))
		require.NoError(t, err)
		require.ErrorIs(t, last.Err(), context.Canceled)
	})
}

func TestNext(t *testing.T) {
	for name, testcase := range map[string]struct {
		next     loop.Next
		expected string
	}{
		"continue": {next: loop.Continue(time.Second), expected: "[continue] interval: 1s"},
		"break":    {next: loop.Break(nil), expected: "[break] without error"},
		"error":    {next: loop.Break(errors.New("oops")), expected: "[break] with error: oops"},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testcase.expected, testcase.next.String())
		})
	}
}
