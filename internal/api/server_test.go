package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/app/ingest"
	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
)

type fakeAnswerer struct {
	gotQuery string
	gotOpts  rag.Options
	err      error
}

func (f *fakeAnswerer) RetrieveAndGenerate(_ context.Context, query string, opts rag.Options) (*rag.Result, error) {
	f.gotQuery, f.gotOpts = query, opts
	if f.err != nil {
		return nil, f.err
	}
	return &rag.Result{Query: query, GeneratedResponse: "Evacuate low-lying areas."}, nil
}

type fakeSearcher struct {
	lexical int
	hybrid  int
	vector  []float32
	opts    search.Options
	err     error
}

func (f *fakeSearcher) LexicalSearch(_ context.Context, _ string, opts search.Options) ([]search.Hit, error) {
	f.lexical++
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return []search.Hit{{Document: signal.StoredDocument{ID: "d1", Title: "Flood Warning"}, Score: 1, Method: search.MethodLexical}}, nil
}

func (f *fakeSearcher) HybridSearch(_ context.Context, _ string, vec []float32, opts search.HybridOptions) ([]search.Hit, error) {
	f.hybrid++
	f.vector = vec
	f.opts = opts.Options
	return []search.Hit{{Document: signal.StoredDocument{ID: "d1"}, Score: 0.9, Method: search.MethodHybrid}}, nil
}

type fakeEmbedder struct{ err error }

func (fakeEmbedder) Name() string { return "fake" }
func (fakeEmbedder) Dims() int    { return 2 }
func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeRunner struct{}

func (fakeRunner) RunFull(context.Context) *ingest.RunReport {
	return &ingest.RunReport{Success: true, Status: ingest.StatusSuccess, Totals: ingest.Totals{Inserted: 3}}
}

func (fakeRunner) RunSource(_ context.Context, name string) (*ingest.SourceResult, error) {
	if name != "weather" {
		return nil, ingest.ErrUnknownSource
	}
	return &ingest.SourceResult{Source: signal.SourceWeather, Success: true, Inserted: 2}, nil
}

type fakeTasks struct{ limit int }

func (f *fakeTasks) ListFailed(_ context.Context, limit int) ([]queue.Task, error) {
	f.limit = limit
	return []queue.Task{{ID: "t1", State: queue.StateFailed, LastError: "boom"}}, nil
}

func newTestHandler(cfg *ServerConfig, svc Services) http.Handler {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	return NewServer(cfg, svc).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestHealth(t *testing.T) {
	h := newTestHandler(nil, Services{Embedder: fakeEmbedder{}})
	rr, resp := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, true, data["components"].(map[string]any)["embedding"])
	assert.Equal(t, false, data["components"].(map[string]any)["generation"])
}

func TestQueryPassesOptions(t *testing.T) {
	ans := &fakeAnswerer{}
	h := newTestHandler(nil, Services{RAG: ans})

	rr, resp := do(t, h, http.MethodPost, "/api/v1/query",
		`{"query":"flood in Houston","disaster_type":"flood","location":"Houston","max_incidents":2}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "flood in Houston", ans.gotQuery)
	assert.Equal(t, "flood", ans.gotOpts.DisasterType)
	assert.Equal(t, "Houston", ans.gotOpts.Location)
	assert.Equal(t, 2, ans.gotOpts.MaxIncidents)
	assert.Equal(t, "Evacuate low-lying areas.", resp.Data.(map[string]any)["generated_response"])
}

func TestQueryErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty query", `{"query":" "}`, rag.ErrEmptyQuery, http.StatusBadRequest},
		{"retrieval failed", `{"query":"x"}`, rag.ErrRetrievalFailed, http.StatusServiceUnavailable},
		{"timeout", `{"query":"x"}`, context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(nil, Services{RAG: &fakeAnswerer{err: tc.err}})
			rr, _ := do(t, h, http.MethodPost, "/api/v1/query", tc.body)
			assert.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestQueryWithoutRetrieval(t *testing.T) {
	h := newTestHandler(nil, Services{})
	rr, _ := do(t, h, http.MethodPost, "/api/v1/query", `{"query":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSearchUsesHybridWhenEmbedderAvailable(t *testing.T) {
	s := &fakeSearcher{}
	h := newTestHandler(nil, Services{Search: s, Embedder: fakeEmbedder{}})

	rr, resp := do(t, h, http.MethodPost, "/api/v1/search",
		`{"query":"flood","categories":["flood"],"sources":["weather"],"limit":500}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, s.hybrid)
	assert.Equal(t, []float32{1, 0}, s.vector)
	assert.Equal(t, maxSearchLimit, s.opts.Limit)
	assert.Equal(t, []signal.Source{signal.SourceWeather}, s.opts.Sources)
	assert.Equal(t, search.MethodHybrid, resp.Data.(map[string]any)["method"])
}

func TestSearchFallsBackToLexical(t *testing.T) {
	t.Run("lexical mode", func(t *testing.T) {
		s := &fakeSearcher{}
		h := newTestHandler(nil, Services{Search: s, Embedder: fakeEmbedder{}})
		rr, _ := do(t, h, http.MethodPost, "/api/v1/search", `{"query":"flood","mode":"lexical"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, s.lexical)
		assert.Zero(t, s.hybrid)
	})
	t.Run("embedding failure", func(t *testing.T) {
		s := &fakeSearcher{}
		h := newTestHandler(nil, Services{Search: s, Embedder: fakeEmbedder{err: errors.New("quota")}})
		rr, resp := do(t, h, http.MethodPost, "/api/v1/search", `{"query":"flood"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, s.lexical)
		assert.Equal(t, search.MethodLexical, resp.Data.(map[string]any)["method"])
	})
}

func TestSearchValidation(t *testing.T) {
	s := &fakeSearcher{}
	h := newTestHandler(nil, Services{Search: s})

	rr, _ := do(t, h, http.MethodPost, "/api/v1/search", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr, _ = do(t, h, http.MethodPost, "/api/v1/search", `{"query":"flood","sources":["radio"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	s.err = search.ErrUnavailable
	rr, _ = do(t, h, http.MethodPost, "/api/v1/search", `{"query":"flood"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSummarizeAndEntitiesWithoutGenerator(t *testing.T) {
	h := newTestHandler(nil, Services{})

	long := strings.Repeat("water rising ", 40)
	rr, resp := do(t, h, http.MethodPost, "/api/v1/summarize", `{"text":"`+long+`","max_length":50}`)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := resp.Data.(map[string]any)["summary"].(string)
	assert.LessOrEqual(t, len([]rune(summary)), 50)
	assert.True(t, strings.HasSuffix(summary, "..."))

	rr, resp = do(t, h, http.MethodPost, "/api/v1/entities", `{"text":"Severe flooding in Houston, evacuate now"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	ent := resp.Data.(map[string]any)
	assert.Equal(t, "flood", ent["disaster_type"])
	assert.Equal(t, genai.MethodHeuristic, ent["method"])

	rr, _ = do(t, h, http.MethodPost, "/api/v1/entities", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestRoutes(t *testing.T) {
	tasks := &fakeTasks{}
	h := newTestHandler(nil, Services{Ingest: fakeRunner{}, Tasks: tasks})

	rr, resp := do(t, h, http.MethodPost, "/api/v1/ingest/run", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ingest.StatusSuccess, resp.Data.(map[string]any)["status"])

	rr, resp = do(t, h, http.MethodPost, "/api/v1/ingest/weather", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, resp.Data.(map[string]any)["inserted"])

	rr, _ = do(t, h, http.MethodPost, "/api/v1/ingest/radio", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, resp = do(t, h, http.MethodGet, "/api/v1/tasks/failed?limit=5", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, tasks.limit)
	assert.EqualValues(t, 1, resp.Data.(map[string]any)["count"])

	rr, _ = do(t, h, http.MethodGet, "/api/v1/tasks/failed?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	cfg.JWTIssuer = "crisis-ops"
	h := newTestHandler(cfg, Services{Ingest: fakeRunner{}})

	rr, _ := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code, "health stays public")

	rr, resp := do(t, h, http.MethodPost, "/api/v1/ingest/run", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", resp.Error)

	rr, _ = do(t, h, http.MethodPost, "/api/v1/ingest/run", "", "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	exp := time.Now().Add(time.Hour).Unix()
	wrongIssuer := signToken(t, "test-secret", jwt.MapClaims{"sub": "ops", "iss": "other", "exp": exp})
	rr, _ = do(t, h, http.MethodPost, "/api/v1/ingest/run", "", "Authorization", "Bearer "+wrongIssuer)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	wrongKey := signToken(t, "nope", jwt.MapClaims{"sub": "ops", "iss": "crisis-ops", "exp": exp})
	rr, _ = do(t, h, http.MethodPost, "/api/v1/ingest/run", "", "Authorization", "Bearer "+wrongKey)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	good := signToken(t, "test-secret", jwt.MapClaims{"sub": "ops", "iss": "crisis-ops", "exp": exp, "roles": []string{"admin"}})
	rr, _ = do(t, h, http.MethodPost, "/api/v1/ingest/run", "", "Authorization", "Bearer "+good)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthMiddlewareInjectsPrincipal(t *testing.T) {
	var got *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := authMiddleware(&JWTConfig{Secret: "k"})(next)

	token := signToken(t, "k", jwt.MapClaims{"sub": "dispatcher-7", "roles": []string{"reader", "ingest"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, "dispatcher-7", got.Subject)
	assert.Equal(t, []string{"reader", "ingest"}, got.Roles)
}
