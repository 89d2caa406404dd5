package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestSettler_Retry_Do_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(t.Context(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestSettler_Retry_Do_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	wantErr := errors.New("upstream timeout")
	err := Do(t.Context(), fastConfig(), func() error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.ErrorContains(t, err, "failed after 3 attempts")
	require.Equal(t, 3, attempts)
}

func TestSettler_Retry_Do_NonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	attempts := 0
	wantErr := HTTPStatusError(http.StatusBadRequest, "bad request")
	err := Do(t.Context(), fastConfig(), func() error {
		attempts++
		return wantErr
	})
	require.Equal(t, wantErr, err)
	require.Equal(t, 1, attempts)
}

func TestSettler_Retry_Do_ContextCancelStopsBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	attempts := 0
	err := Do(ctx, Config{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}, func() error {
		attempts++
		cancel()
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestSettler_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", timeoutError{}, true},
		{"http 429", HTTPStatusError(http.StatusTooManyRequests, "slow down"), true},
		{"http 500", HTTPStatusError(http.StatusInternalServerError, "oops"), true},
		{"http 502", HTTPStatusError(http.StatusBadGateway, "bad gateway"), true},
		{"http 404", HTTPStatusError(http.StatusNotFound, "missing"), false},
		{"http 400", HTTPStatusError(http.StatusBadRequest, "bad request"), false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"rate limited", errors.New("Rate Limit exceeded"), true},
		{"plain error", errors.New("invalid payload"), false},
		{"wrapped status", errors.Join(errors.New("fetch"), HTTPStatusError(http.StatusServiceUnavailable, "down")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSettler_Retry_CalculateBackoff_CappedAtMax(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := 300 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		got := calculateBackoff(base, max, attempt)
		require.LessOrEqual(t, got, max)
		require.GreaterOrEqual(t, got, time.Duration(float64(base)*0.5))
	}
}
