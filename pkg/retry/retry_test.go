package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "cookiepool/pkg/errors"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts: maxAttempts,
		Backoff:     &FixedBackoff{Delay: time.Millisecond},
		RetryIf:     DefaultRetryIf,
		Context:     context.Background(),
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return nil
	}, fastConfig(3))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.ErrorTypeNetwork, "connection reset")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := errs.NewHTTP(errs.ErrorTypeSessionExpired, 401, "authentication rejected")
	err := Do(func() error {
		calls++
		return authErr
	}, fastConfig(5))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, authErr) || errs.IsType(err, errs.ErrorTypeSessionExpired))
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return errs.New(errs.ErrorTypeUnexpectedResponse, "empty body")
	}, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	// classification survives the wrap
	assert.Equal(t, errs.ErrorTypeUnexpectedResponse, errs.GetType(err))
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig(3)
	cfg.Context = ctx
	cfg.Backoff = &FixedBackoff{Delay: time.Second}

	err := Do(func() error {
		return errs.New(errs.ErrorTypeNetwork, "down")
	}, cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errs.New(errs.ErrorTypeAPIError, "bad gateway")
		}
		return 42, nil
	}, fastConfig(3))

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Do(func() error {
		return errs.New(errs.ErrorTypeNetwork, "down")
	}, cfg)

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestExponentialBackoff(t *testing.T) {
	eb := &ExponentialBackoff{
		BaseDelay:  2 * time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, 2*time.Second, eb.NextDelay(1))
	assert.Equal(t, 4*time.Second, eb.NextDelay(2))
	assert.Equal(t, 8*time.Second, eb.NextDelay(3))
	assert.Equal(t, 8*time.Second, eb.NextDelay(4), "capped at max")
	assert.Equal(t, time.Duration(0), eb.NextDelay(0))
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Wait(ctx, time.Minute)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
