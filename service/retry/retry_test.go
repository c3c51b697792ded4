package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retried = append(retried, attempt)
		},
	}

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("endpoint down")
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_NoSleepAfterLastAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 1, BaseDelay: time.Hour}

	start := time.Now()
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{40, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), Policy{}.Backoff(3))
}
