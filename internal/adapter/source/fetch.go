// Package source 外部数据源适配器共用的 HTTP 拉取逻辑：限速、超时、状态码分类与重试。
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"crisisrag/internal/platform/retry"
)

// maxBody 单次响应体上限
const maxBody = 16 << 20

// HTTPConfig 拉取客户端配置
type HTTPConfig struct {
	UserAgent      string
	Accept         string
	RatePerSecond  float64 // <=0 不限速
	TimeoutSeconds int
	Retry          retry.Policy
}

// Fetcher 带令牌桶限速的 GET 客户端，可并发使用
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	accept    string
	policy    retry.Policy
}

// NewFetcher 创建拉取客户端
func NewFetcher(cfg HTTPConfig) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crisisrag/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: cfg.UserAgent,
		accept:    cfg.Accept,
		policy:    cfg.Retry,
	}
}

// Get 拉取 URL，非 2xx 转为 *retry.StatusError，瞬时错误按策略重试
func (f *Fetcher) Get(ctx context.Context, op, url string, headers map[string]string) ([]byte, error) {
	return retry.DoValue(ctx, f.policy, op, func(ctx context.Context) ([]byte, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, retry.MarkPermanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.MarkPermanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", f.userAgent)
		if f.accept != "" {
			req.Header.Set("Accept", f.accept)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	})
}
