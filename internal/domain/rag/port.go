package rag

import (
	"context"

	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/search"
)

// Searcher 编排器需要的检索能力，由 search.Service 实现
type Searcher interface {
	HybridSearch(ctx context.Context, query string, vector []float32, opts search.HybridOptions) ([]search.Hit, error)
	LexicalSearch(ctx context.Context, query string, opts search.Options) ([]search.Hit, error)
}

// Generator 编排器需要的生成能力，由 genai.Client 实现
type Generator interface {
	ExtractEntities(ctx context.Context, text string) genai.Entities
	GenerateResponse(ctx context.Context, query string, rc genai.Context) (string, error)
}

// LogStore 检索审计日志存储
type LogStore interface {
	AppendRetrievalLog(ctx context.Context, entry RetrievalLog) error
}
