// Package rag 检索增强问答编排：缓存快路径、查询向量化、实体抽取、并行检索、上下文组装与回答生成。
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"crisisrag/internal/domain/cache"
	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/provider"
)

var (
	ErrEmptyQuery = errors.New("query is empty")
	// ErrRetrievalFailed 事件检索与预案检索均失败
	ErrRetrievalFailed = errors.New("retrieval failed")
)

// Orchestrator 检索问答编排器，所有依赖在构造时注入，可并发使用
type Orchestrator struct {
	searcher  Searcher
	generator Generator                  // 可选
	embedder  provider.EmbeddingProvider // 可选
	cache     *cache.Service             // 可选
	logs      LogStore                   // 可选
	cfg       Config
	now       func() time.Time
}

// Deps 编排器依赖
type Deps struct {
	Searcher  Searcher
	Generator Generator
	Embedder  provider.EmbeddingProvider
	Cache     *cache.Service
	Logs      LogStore
	Now       func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		searcher:  deps.Searcher,
		generator: deps.Generator,
		embedder:  deps.Embedder,
		cache:     deps.Cache,
		logs:      deps.Logs,
		cfg:       cfg.withDefaults(),
		now:       now,
	}
}

// RetrieveAndGenerate 执行一次检索问答。除检索全部失败外总会返回非空回答。
func (o *Orchestrator) RetrieveAndGenerate(ctx context.Context, query string, opts Options) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	start := o.now()

	if res, ok := o.fromCache(ctx, query, opts); ok {
		res.Timings = Timings{TotalMS: o.since(start)}
		o.writeLog(ctx, res, nil)
		applog.Info("[RAG] Served from cache", "query", query, "source", res.Metadata["cache_source"])
		return res, nil
	}

	res := &Result{Query: query}

	// 1. 查询向量化，失败时只做词法检索
	stage := o.now()
	var vector []float32
	if o.embedder != nil {
		vecs, err := o.embedder.Embed(ctx, []string{query})
		switch {
		case err != nil:
			applog.Warn("[RAG] Query embedding failed, lexical search only", "error", err)
		case len(vecs) == 1:
			vector = vecs[0]
		}
	}
	res.Timings.EmbedMS = o.since(stage)

	// 2. 实体抽取，没有生成后端时用关键词推断
	stage = o.now()
	var ent genai.Entities
	if o.generator != nil {
		ent = o.generator.ExtractEntities(ctx, query)
	} else {
		ent = genai.HeuristicEntities(query)
	}
	res.Entities = &ent
	res.Timings.EntitiesMS = o.since(stage)

	// 3. 并行检索事件与预案
	stage = o.now()
	incidents, protocols, err := o.retrieve(ctx, query, vector, o.disasterType(opts, res.Entities), opts)
	res.Timings.SearchMS = o.since(stage)
	if err != nil {
		res.Timings.TotalMS = o.since(start)
		o.writeLog(ctx, res, err)
		return nil, err
	}

	// 4. 上下文组装
	maxInc := lo.Ternary(opts.MaxIncidents > 0, opts.MaxIncidents, o.cfg.MaxIncidents)
	maxProt := lo.Ternary(opts.MaxProtocols > 0, opts.MaxProtocols, o.cfg.MaxProtocols)
	rc := BuildContext(incidents, protocols, maxInc, maxProt, o.cfg.SummaryLen)
	res.Incidents = rc.Incidents
	res.Protocols = rc.Protocols

	// 5. 生成回答，失败使用模板
	stage = o.now()
	res.GeneratedResponse, res.Fallback = o.generate(ctx, query, rc)
	res.Timings.GenerateMS = o.since(stage)
	res.Timings.TotalMS = o.since(start)

	if !res.Fallback {
		o.storeCache(ctx, query, opts, res)
	}
	o.writeLog(ctx, res, nil)

	applog.Info("[RAG] Query answered",
		"query", query,
		"incidents", len(res.Incidents),
		"protocols", len(res.Protocols),
		"fallback", res.Fallback,
		"total_ms", res.Timings.TotalMS,
	)
	return res, nil
}

// retrieve 事件走混合检索（排除预案），预案走词法检索并按灾害类型收窄
func (o *Orchestrator) retrieve(ctx context.Context, query string, vector []float32, disasterType string, opts Options) ([]search.Hit, []search.Hit, error) {
	maxInc := lo.Ternary(opts.MaxIncidents > 0, opts.MaxIncidents, o.cfg.MaxIncidents)
	maxProt := lo.Ternary(opts.MaxProtocols > 0, opts.MaxProtocols, o.cfg.MaxProtocols)

	incOpts := o.cfg.Hybrid
	incOpts.ExcludeSources = []signal.Source{signal.SourceProtocol}
	incOpts.Limit = maxInc

	protOpts := search.Options{Sources: []signal.Source{signal.SourceProtocol}, Limit: maxProt}
	if disasterType != "" && disasterType != signal.CategoryOther {
		protOpts.Categories = []string{disasterType, signal.CategoryGeneral}
	}

	var (
		wg                  sync.WaitGroup
		incidents, protocol []search.Hit
		incErr, protErr     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		incidents, incErr = o.searcher.HybridSearch(ctx, query, vector, incOpts)
	}()
	go func() {
		defer wg.Done()
		protocol, protErr = o.searcher.LexicalSearch(ctx, query, protOpts)
	}()
	wg.Wait()

	if incErr != nil && protErr != nil {
		err := multierr.Combine(
			fmt.Errorf("incident search: %w", incErr),
			fmt.Errorf("protocol search: %w", protErr),
		)
		applog.Error("[RAG] All searches failed", "query", query, "error", err)
		return nil, nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	if incErr != nil {
		applog.Warn("[RAG] Incident search failed", "error", incErr)
	}
	if protErr != nil {
		applog.Warn("[RAG] Protocol search failed", "error", protErr)
	}
	return incidents, protocol, nil
}

func (o *Orchestrator) generate(ctx context.Context, query string, rc genai.Context) (string, bool) {
	if o.generator == nil {
		return FallbackResponse(query, rc), true
	}
	answer, err := o.generator.GenerateResponse(ctx, query, rc)
	if err != nil || strings.TrimSpace(answer) == "" {
		applog.Warn("[RAG] Generation failed, using template response", "error", err)
		return FallbackResponse(query, rc), true
	}
	return strings.TrimSpace(answer), false
}

func (o *Orchestrator) disasterType(opts Options, ent *genai.Entities) string {
	if t := strings.ToLower(strings.TrimSpace(opts.DisasterType)); t != "" {
		return t
	}
	if ent != nil {
		return ent.DisasterType
	}
	return ""
}

// fromCache 指定了严重程度时精确查找，否则按严重程度顺序模糊查找
func (o *Orchestrator) fromCache(ctx context.Context, query string, opts Options) (*Result, bool) {
	if !o.cache.Enabled() || opts.SkipCache {
		return nil, false
	}
	var (
		v  cache.Value
		ok bool
	)
	if strings.TrimSpace(opts.Severity) != "" {
		v, ok = o.cache.Get(ctx, o.cache.Key(query, opts.DisasterType, opts.Location, opts.Severity))
	} else {
		v, ok = o.cache.FindSimilar(ctx, query, opts.DisasterType, opts.Location)
	}
	if !ok {
		return nil, false
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil || res.GeneratedResponse == "" {
		applog.Warn("[RAG] Unusable cache entry ignored", "error", err)
		return nil, false
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{"cached": true}
	}
	return &res, true
}

func (o *Orchestrator) storeCache(ctx context.Context, query string, opts Options, res *Result) {
	if !o.cache.Enabled() {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	var v cache.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	delete(v, "timings")
	o.cache.Set(ctx, o.cache.Key(query, opts.DisasterType, opts.Location, opts.Severity), v, o.cfg.CacheTTL)
}

// writeLog 审计日志写入失败只记录告警
func (o *Orchestrator) writeLog(ctx context.Context, res *Result, cause error) {
	if o.logs == nil {
		return
	}
	entry := RetrievalLog{
		ID:          uuid.NewString(),
		Query:       res.Query,
		Entities:    res.Entities,
		IncidentIDs: lo.Map(res.Incidents, func(i genai.IncidentContext, _ int) string { return i.ID }),
		ProtocolIDs: lo.Map(res.Protocols, func(p genai.ProtocolContext, _ int) string { return p.ID }),
		Cached:      res.Cached(),
		Fallback:    res.Fallback,
		Success:     cause == nil,
		Timings:     res.Timings,
		CreatedAt:   o.now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := o.logs.AppendRetrievalLog(ctx, entry); err != nil {
		applog.Warn("[RAG] Failed to write retrieval log", "error", err)
	}
}

func (o *Orchestrator) since(t time.Time) int64 { return o.now().Sub(t).Milliseconds() }
