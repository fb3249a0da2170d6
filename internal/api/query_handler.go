package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/provider"
)

const (
	defaultSummaryLen = 200
	maxSearchLimit    = 100
)

// QueryHandler 检索问答、检索、摘要与实体抽取 API
type QueryHandler struct {
	rag      Answerer
	search   Searcher
	embedder provider.EmbeddingProvider
	analyzer TextAnalyzer
	timeout  time.Duration
}

// NewQueryHandler 创建查询处理器
func NewQueryHandler(svc Services, timeout time.Duration) *QueryHandler {
	return &QueryHandler{
		rag:      svc.RAG,
		search:   svc.Search,
		embedder: svc.Embedder,
		analyzer: svc.Analyzer,
		timeout:  timeout,
	}
}

// RegisterRoutes 注册查询路由
func (h *QueryHandler) RegisterRoutes(r chi.Router) {
	r.Post("/query", h.Query)
	r.Post("/search", h.Search)
	r.Post("/summarize", h.Summarize)
	r.Post("/entities", h.Entities)
}

// QueryRequest 检索问答请求
type QueryRequest struct {
	Query string `json:"query"`
	rag.Options
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	if h.rag == nil {
		writeError(w, http.StatusServiceUnavailable, "retrieval not configured")
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.rag.RetrieveAndGenerate(ctx, req.Query, req.Options)
	switch {
	case errors.Is(err, rag.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "query is required")
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "query timed out")
		return
	case err != nil:
		applog.Error("[API] Query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "retrieval failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SearchRequest 检索请求。Mode 为 lexical 时跳过向量通道。
type SearchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
	search.Options
}

// SearchResponse 检索结果
type SearchResponse struct {
	Query  string       `json:"query"`
	Method string       `json:"method"`
	Count  int          `json:"count"`
	Hits   []search.Hit `json:"hits"`
}

func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		writeError(w, http.StatusServiceUnavailable, "search not configured")
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if err := validateSources(req.Sources, req.ExcludeSources); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}

	method := search.MethodLexical
	var (
		hits []search.Hit
		err  error
	)
	if vec := h.queryVector(r.Context(), req); len(vec) > 0 {
		method = search.MethodHybrid
		hits, err = h.search.HybridSearch(r.Context(), req.Query, vec, search.HybridOptions{Options: req.Options})
	} else {
		hits, err = h.search.LexicalSearch(r.Context(), req.Query, req.Options)
	}
	if err != nil {
		applog.Error("[API] Search failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "search failed")
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: req.Query, Method: method, Count: len(hits), Hits: hits})
}

// queryVector 嵌入失败时返回 nil，检索退化为词法
func (h *QueryHandler) queryVector(ctx context.Context, req SearchRequest) []float32 {
	if h.embedder == nil || strings.EqualFold(req.Mode, search.MethodLexical) {
		return nil
	}
	vecs, err := h.embedder.Embed(ctx, []string{req.Query})
	if err != nil || len(vecs) == 0 {
		applog.Warn("[API] Query embedding failed, using lexical search", "error", err)
		return nil
	}
	return vecs[0]
}

func validateSources(lists ...[]signal.Source) error {
	for _, list := range lists {
		for _, s := range list {
			if _, err := signal.ParseSource(string(s)); err != nil {
				return err
			}
		}
	}
	return nil
}

// TextRequest 摘要与实体抽取请求
type TextRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length,omitempty"`
}

func (h *QueryHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.MaxLength <= 0 {
		req.MaxLength = defaultSummaryLen
	}

	var summary string
	if h.analyzer != nil {
		summary = h.analyzer.Summarize(r.Context(), req.Text, req.MaxLength)
	} else {
		summary = genai.Truncate(strings.TrimSpace(req.Text), req.MaxLength)
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "max_length": req.MaxLength})
}

func (h *QueryHandler) Entities(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var ent genai.Entities
	if h.analyzer != nil {
		ent = h.analyzer.ExtractEntities(r.Context(), req.Text)
	} else {
		ent = genai.HeuristicEntities(req.Text)
	}
	writeJSON(w, http.StatusOK, ent)
}
