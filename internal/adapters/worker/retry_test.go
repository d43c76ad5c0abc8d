package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func TestRetryPolicy_CalculateDelayNoJitter(t *testing.T) {
	p := NewRetryPolicy(WithBaseDelay(100*time.Millisecond), WithMaxDelay(time.Second), WithMultiplier(2))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.CalculateDelayNoJitter(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_JitterStaysInRange(t *testing.T) {
	p := NewRetryPolicy(WithBaseDelay(100*time.Millisecond), WithJitter(0.2))
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryPolicy_Execute(t *testing.T) {
	fast := NewRetryPolicy(WithMaxAttempts(3), WithBaseDelay(time.Millisecond), WithJitter(0))
	transient := core.ErrTransport(core.CodeBrokenPipe, "pipe")

	t.Run("succeeds after transient failure", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), func(context.Context) error {
			calls++
			if calls < 2 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("non-retryable stops immediately", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), func(context.Context) error {
			calls++
			return errors.New("fatal")
		})
		require.EqualError(t, err, "fatal")
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		var notified []int
		err := fast.ExecuteWithNotify(context.Background(), func(context.Context) error {
			return transient
		}, func(attempt int, _ error, _ time.Duration) {
			notified = append(notified, attempt)
		})
		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := fast.Execute(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3, Jitter: 0.5,
	})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.CalculateDelayNoJitter(2))

	assert.Equal(t, 1, RetryPolicyFromConfig(config.RetryConfig{}).MaxAttempts)
}
