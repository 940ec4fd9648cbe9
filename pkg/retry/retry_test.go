package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(errors.New("bad input"))
	})

	assert.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		return errors.New("keep retrying")
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   Backoff
		attempts int
		want     time.Duration
	}{
		{"first attempt", DownlinkBackoff, 1, 2 * time.Second},
		{"second attempt", DownlinkBackoff, 2, 4 * time.Second},
		{"third attempt", DownlinkBackoff, 3, 8 * time.Second},
		{"capped", DownlinkBackoff, 10, 60 * time.Second},
		{"zero attempts treated as one", DownlinkBackoff, 0, 2 * time.Second},
		{"spool cap", SpoolBackoff, 12, 300 * time.Second},
		{"spool growth", SpoolBackoff, 4, 16 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempts))
		})
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 12; attempts++ {
		d := SpoolBackoff.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempts)
		prev = d
	}
}
