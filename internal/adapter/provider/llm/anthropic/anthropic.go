package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

const defaultMaxTokens = 1024

// Config Anthropic 配置
type Config struct {
	APIKey                string
	BaseURL               string
	RequestTimeoutSeconds int
}

// Provider 基于 go-anthropic 的 Claude Provider
type Provider struct {
	client  *anthropic.Client
	timeout time.Duration
}

// New 创建 Claude Provider
func New(cfg Config) *Provider {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Provider{
		client:  anthropic.NewClient(cfg.APIKey, opts...),
		timeout: timeout,
	}
}

func (p *Provider) Name() string { return "anthropic" }

// Complete 非流式补全，system 消息走独立的 System 字段
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	msgs := make([]anthropic.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			continue
		case provider.RoleAssistant:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		default:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		}
	}
	if len(msgs) == 0 {
		return nil, retry.MarkPermanent(errors.New("anthropic: empty prompt"))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:         anthropic.Model(req.Model),
		System:        req.SystemPrompt(),
		Messages:      msgs,
		MaxTokens:     maxTokens,
		StopSequences: req.Stop,
	})
	if err != nil {
		return nil, mapError(err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Text != nil {
			sb.WriteString(*c.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("anthropic: no text content in response")
	}

	return &provider.CompletionResponse{
		Content:      sb.String(),
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: provider.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// API 错误类型到 HTTP 状态码的映射
var errTypeStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

func mapError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return &retry.StatusError{StatusCode: reqErr.StatusCode, Err: err}
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if code, ok := errTypeStatus[string(apiErr.Type)]; ok {
			return &retry.StatusError{StatusCode: code, Body: apiErr.Message, Err: err}
		}
	}
	return err
}
