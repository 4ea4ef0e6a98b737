package retry

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func transientOnly(err error) bool {
	return errors.Is(err, errTransient)
}

// newTestPolicy returns a Policy with instant sleeps.
func newTestPolicy() *Policy {
	p := New(nil)
	p.SetSleepFunc(func(context.Context, time.Duration) error { return nil })

	return p
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	p := newTestPolicy()

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, WithRetryable(transientOnly))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RecoveryRunsExactlyKTimes(t *testing.T) {
	p := newTestPolicy()

	const k = 3

	// Stream with internal position state: each attempt must observe
	// the same starting position as the first.
	stream := strings.NewReader("payload")

	var (
		calls      int
		recoveries int
	)

	err := p.Execute(context.Background(), func(context.Context) error {
		pos, seekErr := stream.Seek(0, io.SeekCurrent)
		require.NoError(t, seekErr)
		require.Zero(t, pos, "attempt must start at the stream's initial position")

		// Consume the stream, as a real upload would.
		_, _ = io.Copy(io.Discard, stream)

		calls++
		if calls <= k {
			return errTransient
		}

		return nil
	},
		WithRetryable(transientOnly),
		WithOnRetry(func(err error, wait time.Duration) error {
			recoveries++
			assert.ErrorIs(t, err, errTransient)
			assert.GreaterOrEqual(t, wait, time.Duration(0))

			// Rewind to offset 0 — the canonical recovery action.
			_, seekErr := stream.Seek(0, io.SeekStart)
			return seekErr
		}),
	)

	require.NoError(t, err)
	assert.Equal(t, k+1, calls)
	assert.Equal(t, k, recoveries, "recovery must run exactly once per retried attempt")
}

func TestExecute_Exhaustion(t *testing.T) {
	p := newTestPolicy()

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, WithRetryable(transientOnly))

	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultMaxAttempts, exhausted.Attempts)
	assert.Len(t, exhausted.Errs, DefaultMaxAttempts, "every attempt's cause is recorded")
	assert.ErrorIs(t, err, errTransient, "errors.Is traverses accumulated causes")
}

func TestExecute_NonRetryablePropagatesImmediately(t *testing.T) {
	p := newTestPolicy()

	permanent := errors.New("permanent")

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	}, WithRetryable(transientOnly))

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestExecute_NoPredicateMeansNoRetry(t *testing.T) {
	p := newTestPolicy()

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestExecute_RecoveryFailureAborts(t *testing.T) {
	p := newTestPolicy()

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	},
		WithRetryable(transientOnly),
		WithOnRetry(func(error, time.Duration) error {
			return errors.New("seek failed")
		}),
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery action failed")
	assert.Equal(t, 1, calls, "a failed recovery must not allow another attempt")
}

func TestExecute_CancellationDuringWait(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel during the first backoff wait.
	p.SetSleepFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	calls := 0
	err := p.Execute(ctx, func(context.Context) error {
		calls++
		return errTransient
	}, WithRetryable(transientOnly))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecute_OperationSeesCancellation(t *testing.T) {
	p := newTestPolicy()

	ctx, cancel := context.WithCancel(context.Background())

	err := p.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}, WithRetryable(func(error) bool { return true }))

	require.ErrorIs(t, err, context.Canceled)
}

func TestDo_ReturnsResult(t *testing.T) {
	p := newTestPolicy()

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errTransient
		}

		return "done", nil
	}, WithRetryable(transientOnly))

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 2, calls)
}

func TestBackoffDoubles(t *testing.T) {
	p := New(nil, WithMaxAttempts(4), WithBaseDelay(10*time.Millisecond))

	var waits []time.Duration
	p.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})

	_ = p.Execute(context.Background(), func(context.Context) error {
		return errTransient
	}, WithRetryable(transientOnly))

	require.Len(t, waits, 3)

	// ±25% jitter bounds around 10ms, 20ms, 40ms.
	for i, base := range []time.Duration{10, 20, 40} {
		lo := base * time.Millisecond * 3 / 4
		hi := base * time.Millisecond * 5 / 4
		assert.GreaterOrEqual(t, waits[i], lo, "wait %d", i)
		assert.LessOrEqual(t, waits[i], hi, "wait %d", i)
	}
}
