// Package retry 外部调用的统一重试原语：按错误类型分类，瞬时错误指数退避 + 随机抖动重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	applog "crisisrag/internal/platform/log"
)

// Kind 错误分类
type Kind int

const (
	// Transient 超时、5xx、限流，可重试
	Transient Kind = iota
	// Permanent 4xx（429 除外）、非法输入，立即失败
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// StatusError 带 HTTP 状态码的后端错误，各 provider 适配层统一转换为该类型
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent 标记错误不可重试
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify 判断错误是否值得重试
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return Transient
		case se.StatusCode == http.StatusRequestTimeout:
			return Transient
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return Permanent
		default:
			return Transient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	// 传输层错误（连接拒绝、EOF 等）按瞬时错误处理
	return Transient
}

// Policy 重试策略
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // 第 n 次重试前等待 BaseDelay * 2^(n-1)
	MaxJitter   time.Duration // 叠加 [0, MaxJitter) 随机抖动
	MaxDelay    time.Duration // 单次等待上限（不含抖动），0 = 不限

	// Sleep 可替换的等待函数（测试用），nil 时使用基于 timer 的实现
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy 3 次尝试，1s 起步翻倍，抖动至多 1s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxJitter:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff 返回第 attempt 次失败后的等待时长（attempt 从 1 开始）
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

// Do 执行 fn，瞬时错误按策略重试；永久错误或次数耗尽后返回最后一次错误。
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue Do 的带返回值版本
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if Classify(err) == Permanent {
			applog.Warn("[Retry] Permanent failure, not retrying",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		applog.Warn("[Retry] Transient failure, backing off",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if serr := sleep(ctx, wait); serr != nil {
			return zero, fmt.Errorf("%s: %w (last error: %v)", op, serr, lastErr)
		}
	}
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
