package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 供应商注册表，由启动流程显式创建并注入，不使用全局实例
type Registry struct {
	mu        sync.RWMutex
	llms      map[string]LLMProvider
	embedders map[string]EmbeddingProvider
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		llms:      make(map[string]LLMProvider),
		embedders: make(map[string]EmbeddingProvider),
	}
}

// RegisterLLM 注册 LLM 供应商，同名覆盖
func (r *Registry) RegisterLLM(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llms[p.Name()] = p
}

// RegisterEmbedder 注册 Embedding 供应商，同名覆盖
func (r *Registry) RegisterEmbedder(p EmbeddingProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[p.Name()] = p
}

// LLM 获取 LLM 供应商
func (r *Registry) LLM(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.llms[name]
	if !ok {
		return nil, fmt.Errorf("LLM provider not found: %s", name)
	}
	return p, nil
}

// Embedder 获取 Embedding 供应商
func (r *Registry) Embedder(name string) (EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.embedders[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider not found: %s", name)
	}
	return p, nil
}

// ListLLMs 列出所有 LLM 供应商（按名称排序）
func (r *Registry) ListLLMs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llms))
	for name := range r.llms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEmbedders 列出所有 Embedding 供应商（按名称排序）
func (r *Registry) ListEmbedders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.embedders))
	for name := range r.embedders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
