package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/platform/retry"
)

// Config Jina Embedding 配置
type Config struct {
	BaseURL string // 默认 https://api.jina.ai/v1
	APIKey  string
	Model   string // 默认 jina-embeddings-v3
	Dims    int    // 向量维度，默认 1024
	Task    string // 默认 text-matching
	// RequestTimeoutSeconds 单次请求超时
	RequestTimeoutSeconds int
	// Retry 每个批次的重试策略，零值使用 retry.DefaultPolicy
	Retry retry.Policy
}

// Embedder 调用 Jina /v1/embeddings
type Embedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	task    string
	client  *http.Client
	policy  retry.Policy
}

// New 创建 Jina Embedder
func New(cfg Config) *Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.jina.ai/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "jina-embeddings-v3"
	}
	if cfg.Dims <= 0 {
		cfg.Dims = 1024
	}
	if cfg.Task == "" {
		cfg.Task = "text-matching"
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	return &Embedder{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dims:    cfg.Dims,
		task:    cfg.Task,
		client:  &http.Client{Timeout: timeout},
		policy:  cfg.Retry,
	}
}

func (e *Embedder) Name() string { return "jina" }

// Dims 返回向量维度
func (e *Embedder) Dims() int { return e.dims }

// Embed 批量生成向量
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// 分批处理（每批最多 64 条，避免 API 限制）
	const batchSize = 64
	allVectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		batch := texts[i:end]
		vectors, err := retry.DoValue(ctx, e.policy, "jina.embed", func(ctx context.Context) ([][]float32, error) {
			return e.embedBatch(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		allVectors = append(allVectors, vectors...)
	}

	return allVectors, nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Task       string   `json:"task,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
	Input      []string `json:"input"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Model string          `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()

	body, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Task:       e.task,
		Dimensions: e.dims,
		Input:      texts,
	})
	if err != nil {
		return nil, retry.MarkPermanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.MarkPermanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, retry.MarkPermanent(fmt.Errorf("parse response: %w", err))
	}

	// 按 index 排序确保顺序正确
	vectors := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, retry.MarkPermanent(fmt.Errorf("missing embedding for text index %d", i))
		}
	}

	applog.Debug("[Embedding/Jina] Batch embedded",
		"count", len(texts),
		"dims", len(vectors[0]),
		"tokens", embResp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return vectors, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
