// Package search 词法检索、向量检索以及二者加权融合的混合检索。
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

var (
	// ErrUnavailable 所有检索方式均失败
	ErrUnavailable = errors.New("search unavailable")
	// ErrNoBackend 未配置索引
	ErrNoBackend = errors.New("no search backend configured")
)

const (
	DefaultLimit               = 10
	DefaultTextWeight          = 0.4
	DefaultVectorWeight        = 0.6
	DefaultCandidateMultiplier = 3
	MinCandidates              = 20
)

// 命中来源
const (
	MethodLexical = "lexical"
	MethodVector  = "vector"
	MethodHybrid  = "hybrid"
)

// Hit 一条检索结果
type Hit struct {
	Document     signal.StoredDocument `json:"document"`
	Score        float64               `json:"score"`
	LexicalScore float64               `json:"lexical_score"`
	VectorScore  float64               `json:"vector_score"`
	Method       string                `json:"method"`
}

// Options 检索过滤与数量上限
type Options struct {
	Categories     []string        `json:"categories,omitempty"`
	Sources        []signal.Source `json:"sources,omitempty"`
	ExcludeSources []signal.Source `json:"exclude_sources,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// HybridOptions 混合检索参数
type HybridOptions struct {
	Options
	TextWeight          float64 `json:"text_weight"`
	VectorWeight        float64 `json:"vector_weight"`
	CandidateMultiplier int     `json:"candidate_multiplier"`
}

// Index 底层索引端口。
// LexicalSearch 返回原始相关度（越大越好），VectorSearch 返回余弦相似度，二者均按分数降序。
type Index interface {
	LexicalSearch(ctx context.Context, query string, opts Options) ([]Hit, error)
	VectorSearch(ctx context.Context, vector []float32, opts Options) ([]Hit, error)
}

// Service 检索服务
type Service struct {
	index    Index
	defaults HybridOptions
}

// NewService 创建检索服务，defaults 中的零值字段使用内置默认值
func NewService(index Index, defaults HybridOptions) *Service {
	return &Service{index: index, defaults: fillHybrid(defaults, HybridOptions{})}
}

// Defaults 返回服务的默认混合检索参数
func (s *Service) Defaults() HybridOptions { return s.defaults }

// LexicalSearch 关键词检索，Score 为按本次最高分归一化后的值
func (s *Service) LexicalSearch(ctx context.Context, query string, opts Options) ([]Hit, error) {
	if s.index == nil {
		return nil, ErrNoBackend
	}
	opts = s.fillOptions(opts)
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	hits, err := s.index.LexicalSearch(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	normalizeLexical(hits)
	for i := range hits {
		hits[i].Score = hits[i].LexicalScore
		hits[i].Method = MethodLexical
	}
	return truncate(hits, opts.Limit), nil
}

// VectorSearch 向量检索，Score 为截断到 [0,1] 的余弦相似度
func (s *Service) VectorSearch(ctx context.Context, vector []float32, opts Options) ([]Hit, error) {
	if s.index == nil {
		return nil, ErrNoBackend
	}
	opts = s.fillOptions(opts)
	if len(vector) == 0 {
		return nil, nil
	}
	hits, err := s.index.VectorSearch(ctx, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	for i := range hits {
		hits[i].VectorScore = clamp01(hits[i].Score)
		hits[i].Score = hits[i].VectorScore
		hits[i].Method = MethodVector
	}
	return truncate(hits, opts.Limit), nil
}

// HybridSearch 并行执行两路检索并加权融合：score = tw*lexical + vw*vector。
// 任一路失败退化为另一路；两路都失败返回聚合错误。vector 为空时只做词法检索。
func (s *Service) HybridSearch(ctx context.Context, query string, vector []float32, opts HybridOptions) ([]Hit, error) {
	if s.index == nil {
		return nil, ErrNoBackend
	}
	opts = fillHybrid(opts, s.defaults)
	limit := opts.Limit
	candidates := max(limit*opts.CandidateMultiplier, MinCandidates)
	legOpts := opts.Options
	legOpts.Limit = candidates

	runLexical := strings.TrimSpace(query) != ""
	runVector := len(vector) > 0
	if !runLexical && !runVector {
		return nil, nil
	}

	start := time.Now()
	var (
		wg             sync.WaitGroup
		lexHits, vHits []Hit
		lexErr, vErr   error
	)
	if runLexical {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lexHits, lexErr = s.index.LexicalSearch(ctx, query, legOpts)
		}()
	}
	if runVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vHits, vErr = s.index.VectorSearch(ctx, vector, legOpts)
		}()
	}
	wg.Wait()

	lexOK := runLexical && lexErr == nil
	vecOK := runVector && vErr == nil
	if !lexOK && !vecOK {
		var errs error
		if lexErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("lexical: %w", lexErr))
		}
		if vErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("vector: %w", vErr))
		}
		applog.Error("[Search] All search methods failed", "error", errs)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, errs)
	}
	if lexErr != nil {
		applog.Warn("[Search] Lexical leg failed, using vector results only", "error", lexErr)
	}
	if vErr != nil {
		applog.Warn("[Search] Vector leg failed, using lexical results only", "error", vErr)
	}

	merged := Merge(lexHits, vHits, opts.TextWeight, opts.VectorWeight)
	applog.Debug("[Search] Hybrid done",
		"lexical", len(lexHits),
		"vector", len(vHits),
		"merged", len(merged),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return truncate(merged, limit), nil
}

// Merge 融合两路候选。缺失的一路记 0 分而不是排除；同分按发布时间新者优先，再按 ID。
func Merge(lexical, vector []Hit, textWeight, vectorWeight float64) []Hit {
	normalizeLexical(lexical)

	byID := make(map[string]*Hit, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))
	for _, h := range lexical {
		h := h
		h.VectorScore = 0
		h.Method = MethodLexical
		byID[h.Document.ID] = &h
		order = append(order, h.Document.ID)
	}
	for _, h := range vector {
		sim := clamp01(h.Score)
		if existing, ok := byID[h.Document.ID]; ok {
			existing.VectorScore = sim
			existing.Method = MethodHybrid
			continue
		}
		h := h
		h.LexicalScore = 0
		h.VectorScore = sim
		h.Method = MethodVector
		byID[h.Document.ID] = &h
		order = append(order, h.Document.ID)
	}

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		h := byID[id]
		h.Score = textWeight*h.LexicalScore + vectorWeight*h.VectorScore
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Document.PublishedAt.Equal(b.Document.PublishedAt) {
		return a.Document.PublishedAt.After(b.Document.PublishedAt)
	}
	return a.Document.ID < b.Document.ID
}

// normalizeLexical 原始分数除以本组最高分，写入 LexicalScore
func normalizeLexical(hits []Hit) {
	top := 0.0
	for _, h := range hits {
		top = math.Max(top, h.Score)
	}
	for i := range hits {
		if top > 0 {
			hits[i].LexicalScore = clamp01(hits[i].Score / top)
		} else {
			hits[i].LexicalScore = 0
		}
	}
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

func truncate(hits []Hit, limit int) []Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func (s *Service) fillOptions(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = s.defaults.Limit
	}
	return opts
}

func fillHybrid(opts, defaults HybridOptions) HybridOptions {
	if opts.Limit <= 0 {
		opts.Limit = defaults.Limit
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.TextWeight < 0 {
		opts.TextWeight = 0
	}
	if opts.VectorWeight < 0 {
		opts.VectorWeight = 0
	}
	if opts.TextWeight == 0 && opts.VectorWeight == 0 {
		opts.TextWeight, opts.VectorWeight = defaults.TextWeight, defaults.VectorWeight
		if opts.TextWeight == 0 && opts.VectorWeight == 0 {
			opts.TextWeight, opts.VectorWeight = DefaultTextWeight, DefaultVectorWeight
		}
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = defaults.CandidateMultiplier
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = DefaultCandidateMultiplier
	}
	return opts
}

// Filter 判断文档是否满足 Options 中的过滤条件（供内存索引等实现复用）
func (o Options) Filter(doc signal.StoredDocument) bool {
	if len(o.Sources) > 0 && !containsSource(o.Sources, doc.Source) {
		return false
	}
	if containsSource(o.ExcludeSources, doc.Source) {
		return false
	}
	if len(o.Categories) > 0 {
		matched := false
		for _, c := range o.Categories {
			if strings.EqualFold(c, doc.Category) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsSource(list []signal.Source, s signal.Source) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
