package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/platform/retry"
)

// Config OpenAI 兼容 Embedding 配置
type Config struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string // e.g. text-embedding-3-small
	Dims    int
	// RequestTimeoutSeconds 单次请求超时
	RequestTimeoutSeconds int
	// Retry 零值使用 retry.DefaultPolicy
	Retry retry.Policy
}

// Embedder 基于 go-openai 的 Embedder
type Embedder struct {
	client *goopenai.Client
	model  string
	dims   int
	policy retry.Policy
}

// New 创建 OpenAI Embedder
func New(cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = string(goopenai.SmallEmbedding3)
	}
	if cfg.Dims <= 0 {
		cfg.Dims = 1536
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Embedder{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		dims:   cfg.Dims,
		policy: cfg.Retry,
	}
}

func (e *Embedder) Name() string { return "openai" }

func (e *Embedder) Dims() int { return e.dims }

// Embed 批量生成向量
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	req := goopenai.EmbeddingRequest{
		Input:          texts,
		Model:          goopenai.EmbeddingModel(e.model),
		EncodingFormat: goopenai.EmbeddingEncodingFormatFloat,
	}
	// 仅 text-embedding-3-* 支持 dimensions 参数
	if strings.Contains(e.model, "embedding-3") {
		req.Dimensions = e.dims
	}

	resp, err := retry.DoValue(ctx, e.policy, "openai.embed", func(ctx context.Context) (goopenai.EmbeddingResponse, error) {
		resp, err := e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return resp, mapError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for text index %d", i)
		}
	}

	applog.Debug("[Embedding/OpenAI] Batch embedded",
		"count", len(texts),
		"dims", len(vectors[0]),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return vectors, nil
}

func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &retry.StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &retry.StatusError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
