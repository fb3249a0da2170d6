// Package genai 封装生成式后端：摘要、实体抽取、基于检索上下文的回答生成。
// 所有调用经过统一的重试原语，失败时由各方法自行降级。
package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

// ErrEmptyCompletion 后端返回空内容
var ErrEmptyCompletion = errors.New("empty completion")

// Config 生成客户端配置
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Retry       retry.Policy
}

// Client 生成客户端，除配置外无状态，可并发使用
type Client struct {
	llm provider.LLMProvider
	cfg Config
}

// NewClient 创建生成客户端
func NewClient(llm provider.LLMProvider, cfg Config) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{llm: llm, cfg: cfg}
}

// Provider 返回底层供应商名称
func (c *Client) Provider() string { return c.llm.Name() }

// complete 发送 system + user 两段式请求，瞬时错误按策略重试
func (c *Client) complete(ctx context.Context, op, system, user string, jsonMode bool, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	req := &provider.CompletionRequest{
		Model: c.cfg.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
		JSONMode:    jsonMode,
	}

	start := time.Now()
	resp, err := retry.DoValue(ctx, c.cfg.Retry, "genai."+op, func(ctx context.Context) (*provider.CompletionResponse, error) {
		return c.llm.Complete(ctx, req)
	})
	if err != nil {
		applog.Warn("[GenAI] Completion failed",
			"op", op,
			"provider", c.llm.Name(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return "", err
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%s: %w", op, ErrEmptyCompletion)
	}
	applog.Debug("[GenAI] Completion done",
		"op", op,
		"provider", c.llm.Name(),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

const summarizeSystem = "You are an emergency operations analyst. Summarize disaster reports factually and concisely. " +
	"Keep locations, times, severities and instructions. Do not add information that is not in the report."

// Summarize 生成不超过 maxLen 个字符的摘要；任何失败都退化为截断原文
func (c *Client) Summarize(ctx context.Context, text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}

	prompt := fmt.Sprintf("Summarize the following report in at most %d characters.\n\nReport:\n%s", maxLen, text)
	out, err := c.complete(ctx, "summarize", summarizeSystem, prompt, false, maxLen/2+64)
	if err != nil {
		applog.Warn("[GenAI] Summarize fell back to truncation", "error", err)
		return Truncate(text, maxLen)
	}
	return Truncate(out, maxLen)
}

// Truncate 按 rune 截断到 maxLen（含省略号）
func Truncate(text string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return strings.TrimSpace(string(runes[:maxLen-3])) + "..."
}
