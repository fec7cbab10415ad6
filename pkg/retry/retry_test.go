package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	base := errors.New("bad config")

	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(base)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, base))
	assert.True(t, IsNonRetryable(err))
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, cfg, func() error {
			attempts++
			return errors.New("keep going")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("again")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestScheduleGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2.0}
	s := cfg.NewSchedule()

	assert.Equal(t, 10*time.Millisecond, s.Next())
	assert.Equal(t, 20*time.Millisecond, s.Next())
	assert.Equal(t, 40*time.Millisecond, s.Next())
	// Capped at MaxDelay from here on
	assert.Equal(t, 40*time.Millisecond, s.Next())

	s.Reset()
	assert.Equal(t, 10*time.Millisecond, s.Next())
}

func TestScheduleJitterBounds(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, AddJitter: true}
	s := cfg.NewSchedule()

	d := s.Next()
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 125*time.Millisecond+time.Millisecond)
}

func TestReconnectPreset(t *testing.T) {
	cfg := Reconnect()
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 2*time.Minute, cfg.MaxDelay)
	assert.Zero(t, cfg.MaxAttempts, "reconnect pacing is unbounded, the worker owns the loop")
}

func TestSleepCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}
