package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

// Config Gemini 配置
type Config struct {
	APIKey  string
	BaseURL string // 可选，覆盖默认 endpoint
	// RequestTimeoutSeconds 单次请求超时
	RequestTimeoutSeconds int
}

// Provider 基于 generative-ai-go 的 Gemini Provider
type Provider struct {
	client  *genai.Client
	timeout time.Duration
}

// New 创建 Gemini Provider，调用方负责 Close
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Provider{client: client, timeout: timeout}, nil
}

func (p *Provider) Name() string { return "gemini" }

// Close 释放底层连接
func (p *Provider) Close() error { return p.client.Close() }

// Complete 非流式补全。system 消息映射为 SystemInstruction，其余消息按顺序拼接为用户输入。
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	model := p.client.GenerativeModel(req.Model)
	if sys := req.SystemPrompt(); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		model.StopSequences = req.Stop
	}
	if req.JSONMode {
		model.ResponseMIMEType = "application/json"
	}

	var parts []genai.Part
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	if len(parts) == 0 {
		return nil, retry.MarkPermanent(errors.New("gemini: empty prompt"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: no candidates in response")
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	out := &provider.CompletionResponse{
		Content:      sb.String(),
		Model:        req.Model,
		FinishReason: strings.ToLower(cand.FinishReason.String()),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = provider.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// mapError 把 googleapi 错误转换为带状态码的错误；内容被拦截视为不可重试
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &retry.StatusError{StatusCode: gerr.Code, Body: gerr.Message, Err: err}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return retry.MarkPermanent(err)
	}
	return err
}
