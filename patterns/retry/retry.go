// Package retry 提供带指数退避的重试
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Operation 可重试的操作，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // 最大尝试次数（包括首次）
	InitialDelay  time.Duration `yaml:"initial_delay"`  // 初始退避延迟，0 表示立即重试
	BackoffFactor float64       `yaml:"backoff_factor"` // 退避倍数（指数退避）
	MaxDelay      time.Duration `yaml:"max_delay"`      // 最大延迟

	// Retryable 判断错误是否值得重试，nil 表示所有错误都重试
	Retryable func(err error) bool `yaml:"-"`
}

// DefaultConfig 返回默认配置：共 3 次尝试，10ms 起步，倍数 2，上限 1s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      time.Second,
	}
}

// permanentError 标记不可重试的错误，Do 遇到后立即返回被包装的错误
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 包装错误使其不再重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay 第 attempt 次失败后的等待时间
func (c Config) Delay(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Do 执行带重试的操作
//
// 返回 nil（任意一次成功）、最后一次的错误（次数用尽或不可重试），
// 或 ctx 的错误（等待期间被取消）。
func Do(ctx context.Context, op Operation, cfg Config) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if delay := cfg.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}
