package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, DefaultConfig())
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryThenSuccess(t *testing.T) {
	var seen []int
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	}, fast(5))
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	last := errors.New("third")
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 3 {
			return last
		}
		return errors.New("earlier")
	}, fast(3))
	assert.ErrorIs(t, err, last)
}

func TestDo_RetryablePredicateStops(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	cfg := fast(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	}, cfg)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentStops(t *testing.T) {
	base := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(base)
	}, fast(5))
	assert.Same(t, base, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 1}

	err := Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	}, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, BackoffFactor: 2, MaxDelay: 30 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 30*time.Millisecond, cfg.Delay(3))
	assert.Zero(t, Config{}.Delay(1))
}
