package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crisisrag/internal/app/ingest"
	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/provider"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueryTimeout time.Duration // 单次检索问答超时
	JWTSecret    string        // 为空时不启用鉴权
	JWTIssuer    string        // JWT 签发者（可选）
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		QueryTimeout: 90 * time.Second,
	}
}

// Answerer 检索问答
type Answerer interface {
	RetrieveAndGenerate(ctx context.Context, query string, opts rag.Options) (*rag.Result, error)
}

// Searcher 文档检索
type Searcher interface {
	LexicalSearch(ctx context.Context, query string, opts search.Options) ([]search.Hit, error)
	HybridSearch(ctx context.Context, query string, vector []float32, opts search.HybridOptions) ([]search.Hit, error)
}

// TextAnalyzer 摘要与实体抽取
type TextAnalyzer interface {
	Summarize(ctx context.Context, text string, maxLen int) string
	ExtractEntities(ctx context.Context, text string) genai.Entities
}

// IngestRunner 手动触发摄取
type IngestRunner interface {
	RunFull(ctx context.Context) *ingest.RunReport
	RunSource(ctx context.Context, name string) (*ingest.SourceResult, error)
}

// FailedTaskLister 失败的嵌入任务
type FailedTaskLister interface {
	ListFailed(ctx context.Context, limit int) ([]queue.Task, error)
}

// Services 路由依赖。除 RAG 与 Search 外均可为 nil，对应接口返回 503 或退化实现。
type Services struct {
	RAG      Answerer
	Search   Searcher
	Embedder provider.EmbeddingProvider
	Analyzer TextAnalyzer
	Ingest   IngestRunner
	Tasks    FailedTaskLister
}

// Server HTTP 服务器
type Server struct {
	config  *ServerConfig
	svc     Services
	httpSrv *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, svc Services) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{config: config, svc: svc}
}

// Start 启动服务器，阻塞直到 Stop
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Crisis API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", s.health)

	queryHandler := NewQueryHandler(s.svc, s.config.QueryTimeout)
	ingestHandler := NewIngestHandler(s.svc.Ingest, s.svc.Tasks)

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.JWTSecret != "" {
			r.Use(authMiddleware(&JWTConfig{Secret: s.config.JWTSecret, Issuer: s.config.JWTIssuer}))
		} else {
			applog.Warn("⚠️  JWT_SECRET not set, API is unauthenticated")
		}
		queryHandler.RegisterRoutes(r)
		ingestHandler.RegisterRoutes(r)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"components": map[string]bool{
			"generation": s.svc.Analyzer != nil,
			"embedding":  s.svc.Embedder != nil,
			"ingest":     s.svc.Ingest != nil,
		},
	})
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
