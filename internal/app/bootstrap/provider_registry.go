package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"crisisrag/internal/adapter/provider/embedding/jina"
	embedopenai "crisisrag/internal/adapter/provider/embedding/openai"
	"crisisrag/internal/adapter/provider/llm/anthropic"
	"crisisrag/internal/adapter/provider/llm/gemini"
	"crisisrag/internal/adapter/provider/llm/openai"
	"crisisrag/internal/platform/config"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/provider"
)

// RegisterLLMProvider 按配置创建并注册生成式后端。未配置 API key 时返回 nil，生成能力降级为兜底回答。
func RegisterLLMProvider(ctx context.Context, reg *provider.Registry, cfg config.LLMConfig) (provider.LLMProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		applog.Warn("⚠️  No LLM_API_KEY set, answers fall back to the retrieval summary", "provider", cfg.Provider)
		return nil, nil
	}

	var p provider.LLMProvider
	switch cfg.Provider {
	case "openai":
		p = openai.New(openai.Config{
			APIKey:                cfg.APIKey,
			BaseURL:               cfg.BaseURL,
			RequestTimeoutSeconds: cfg.TimeoutSeconds,
		})
	case "anthropic":
		p = anthropic.New(anthropic.Config{
			APIKey:                cfg.APIKey,
			BaseURL:               cfg.BaseURL,
			RequestTimeoutSeconds: cfg.TimeoutSeconds,
		})
	case "gemini":
		g, err := gemini.New(ctx, gemini.Config{
			APIKey:                cfg.APIKey,
			BaseURL:               cfg.BaseURL,
			RequestTimeoutSeconds: cfg.TimeoutSeconds,
		})
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	reg.RegisterLLM(p)
	applog.Infof("✅ Registered LLM provider: %s (model: %s)", p.Name(), cfg.Model)
	return p, nil
}

// RegisterEmbeddingProvider 按配置创建并注册向量后端。未配置 API key 时返回 nil，检索只走词法通道。
func RegisterEmbeddingProvider(reg *provider.Registry, cfg config.EmbeddingConfig) (provider.EmbeddingProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		applog.Warn("⚠️  No EMBEDDING_API_KEY set, vector search and embedding worker disabled", "provider", cfg.Provider)
		return nil, nil
	}

	var e provider.EmbeddingProvider
	switch cfg.Provider {
	case "jina":
		e = jina.New(jina.Config{
			BaseURL:               cfg.BaseURL,
			APIKey:                cfg.APIKey,
			Model:                 cfg.Model,
			Dims:                  cfg.Dimensions,
			RequestTimeoutSeconds: cfg.TimeoutSeconds,
			Retry:                 embeddingRetryPolicy(cfg),
		})
	case "openai":
		e = embedopenai.New(embedopenai.Config{
			BaseURL:               cfg.BaseURL,
			APIKey:                cfg.APIKey,
			Model:                 cfg.Model,
			Dims:                  cfg.Dimensions,
			RequestTimeoutSeconds: cfg.TimeoutSeconds,
			Retry:                 embeddingRetryPolicy(cfg),
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}

	reg.RegisterEmbedder(e)
	applog.Infof("✅ Registered embedding provider: %s (model: %s, dims: %d)", e.Name(), cfg.Model, e.Dims())
	return e, nil
}
