package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTemporary = errors.New("temporary")
var errFatal = errors.New("fatal")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTemporary
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	notified := 0
	p := fastPolicy(3)
	p.Notify = func(error, time.Duration) { notified++ }
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errTemporary
	}, nil)
	require.ErrorIs(t, err, errTemporary)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, notified)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return errFatal
	}, func(err error) bool { return !errors.Is(err, errFatal) })
	require.ErrorIs(t, err, errFatal)
	require.Equal(t, 1, calls)
}

func TestValue_ReturnsResult(t *testing.T) {
	v, err := Value(context.Background(), fastPolicy(2), func(context.Context) (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastPolicy(3), func(context.Context) error {
		calls++
		return nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, calls)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{MaxAttempts: 100}.normalized()
	require.Equal(t, maxAllowedAttempts, p.MaxAttempts)
	require.Equal(t, defaultInitialInterval, p.InitialInterval)
	require.Equal(t, defaultMaxInterval, p.MaxInterval)
}
