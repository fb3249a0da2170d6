package bootstrap

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorydb "crisisrag/internal/db/memory"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/config"
)

const nwsAlerts = `{
  "features": [
    {
      "id": "urn:oid:houston-flood",
      "geometry": {"type": "Polygon", "coordinates": [[[-95.0, 29.5], [-95.0, 30.0], [-95.6, 30.0], [-95.6, 29.5]]]},
      "properties": {
        "id": "urn:oid:houston-flood",
        "event": "Flood Warning",
        "headline": "Flood Warning issued for Harris County",
        "description": "Heavy rain is causing flooding across Houston. Bayous are overflowing.",
        "instruction": "Turn around, don't drown.",
        "severity": "Severe",
        "areaDesc": "Harris, TX",
        "sent": "2026-08-20T09:00:00Z",
        "effective": "2026-08-20T09:05:00Z"
      }
    },
    {
      "id": "urn:oid:dallas-heat",
      "geometry": null,
      "properties": {
        "id": "urn:oid:dallas-heat",
        "event": "Heat Advisory",
        "headline": "Heat Advisory issued for Dallas County",
        "description": "Heat index values up to 110 expected in Dallas.",
        "severity": "Moderate",
        "areaDesc": "Dallas, TX",
        "sent": "2026-08-20T08:00:00Z"
      }
    }
  ]
}`

const floodProtocol = `id: flood-urban
title: Urban Flood Response
disaster_type: flood
summary: Actions for flash flooding in dense urban areas.
steps:
  - Close underpasses prone to flooding.
  - Open shelters above the flood plain.
`

const heatProtocol = `# Extreme Heat Operations

Open cooling centers and check on vulnerable residents during heat waves.
`

// keywordEmbedder 按关键词计数生成确定性向量，最后一维为常量偏置
type keywordEmbedder struct{}

var embedTerms = []string{"flood", "houston", "heat", "dallas"}

func (keywordEmbedder) Name() string { return "keyword" }
func (keywordEmbedder) Dims() int    { return len(embedTerms) + 1 }

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float32, len(embedTerms)+1)
		var norm float64
		for j, term := range embedTerms {
			vec[j] = float32(strings.Count(lower, term))
			norm += float64(vec[j] * vec[j])
		}
		vec[len(embedTerms)] = 0.1
		norm += 0.01
		for j := range vec {
			vec[j] /= float32(math.Sqrt(norm))
		}
		out[i] = vec
	}
	return out, nil
}

func testConfig(t *testing.T, weatherURL string) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flood.yaml"), []byte(floodProtocol), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heat.md"), []byte(heatProtocol), 0o644))

	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Cache.Backend = "memory"
	cfg.Embedding.Dimensions = len(embedTerms) + 1
	cfg.Worker.Enabled = false
	cfg.Ingest.SchedulerEnabled = false
	cfg.Ingest.Weather.BaseURL = weatherURL
	cfg.Ingest.Weather.RatePerSecond = 100
	cfg.Ingest.Social.Enabled = false
	cfg.Ingest.Satellite.Enabled = false
	cfg.Ingest.Protocol.Dir = dir
	return cfg
}

func nwsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(nwsAlerts))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEndFloodHouston(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t, nwsServer(t).URL), WithEmbedder(keywordEmbedder{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	require.NotNil(t, c.Worker)
	assert.Nil(t, c.GenAI)
	assert.Nil(t, c.Scheduler)
	assert.Equal(t, []signal.Source{signal.SourceWeather, signal.SourceProtocol}, c.Ingest.Sources())

	// 1. 摄取：两条气象告警 + 两份预案
	report := c.Ingest.RunFull(ctx)
	require.True(t, report.Success)
	assert.Equal(t, 4, report.Totals.Inserted)
	assert.Equal(t, 2, report.Totals.Alerts)
	assert.Equal(t, 4, report.Totals.Enqueued)

	// 2. 排空嵌入队列
	res, err := c.Worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Completed)
	assert.Zero(t, res.Failed)

	// 3. 混合检索命中休斯顿洪水告警
	vecs, err := keywordEmbedder{}.Embed(ctx, []string{"flood Houston"})
	require.NoError(t, err)
	hits, err := c.Search.HybridSearch(ctx, "flood Houston", vecs[0], search.HybridOptions{
		Options: search.Options{ExcludeSources: []signal.Source{signal.SourceProtocol}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	top := hits[0]
	assert.Equal(t, "Flood Warning issued for Harris County", top.Document.Title)
	assert.Equal(t, "flood", top.Document.Category)
	assert.Equal(t, search.MethodHybrid, top.Method)
	assert.Greater(t, top.VectorScore, 0.5)
	assert.LessOrEqual(t, top.Score, 1.0)

	// 4. 没有生成后端时回答退化为模板，但引用检索到的标题
	answer, err := c.RAG.RetrieveAndGenerate(ctx, "flood in Houston", rag.Options{})
	require.NoError(t, err)
	assert.True(t, answer.Fallback)
	assert.Contains(t, answer.GeneratedResponse, "Flood Warning issued for Harris County")
	require.NotEmpty(t, answer.Incidents)
	assert.Equal(t, "Flood Warning issued for Harris County", answer.Incidents[0].Title)
	require.NotEmpty(t, answer.Protocols)
	assert.Equal(t, "Urban Flood Response", answer.Protocols[0].Title)

	mem := c.Store.(*memorydb.Store)
	logs := mem.RetrievalLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.True(t, logs[0].Fallback)

	// 5. 重复运行只计重复
	again, err := c.Ingest.RunSource(ctx, "weather")
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 2, again.Duplicates)
}

func TestNewDegradesWithoutProviders(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t, nwsServer(t).URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Nil(t, c.GenAI)
	assert.Nil(t, c.Embedder)
	assert.Nil(t, c.Worker)
	assert.Empty(t, c.Providers.ListLLMs())
	assert.Equal(t, "memory", c.Cache.BackendName())

	c.Ingest.RunFull(ctx)
	answer, err := c.RAG.RetrieveAndGenerate(ctx, "flood in Houston", rag.Options{})
	require.NoError(t, err)
	assert.True(t, answer.Fallback)
	require.NotEmpty(t, answer.Incidents)
	assert.Equal(t, "Flood Warning issued for Harris County", answer.Incidents[0].Title)
}

func TestNewUsesInjectedStore(t *testing.T) {
	store := memorydb.New(memorydb.Options{Dims: 5})
	c, err := New(context.Background(), testConfig(t, "http://127.0.0.1:0"), WithStore(store))
	require.NoError(t, err)
	defer c.Close()
	assert.Same(t, store, c.Store)
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Storage.Backend = "sqlite"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "unsupported storage backend")
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Redis.URL = "not-a-url"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid REDIS_URL")
}

func TestSchedulerIntervals(t *testing.T) {
	in := config.Default().Ingest
	got := schedulerIntervals(in)
	assert.Equal(t, 5*time.Minute, got[signal.SourceWeather])
	assert.Equal(t, 2*time.Minute, got[signal.SourceSocial])
	assert.Equal(t, 24*time.Hour, got[signal.SourceProtocol])
	_, ok := got[signal.SourceSatellite]
	assert.False(t, ok, "disabled sources are not scheduled")
}

func TestLLMRetryPolicy(t *testing.T) {
	p := llmRetryPolicy(config.LLMConfig{MaxAttempts: 5, BaseDelayMS: 200})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)

	def := llmRetryPolicy(config.LLMConfig{})
	assert.Equal(t, 3, def.MaxAttempts)
}

func TestEmbeddingRetryPolicy(t *testing.T) {
	cfg := config.Default().Embedding
	p := embeddingRetryPolicy(cfg)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)

	cfg.MaxAttempts, cfg.BaseDelayMS = 6, 50
	p = embeddingRetryPolicy(cfg)
	assert.Equal(t, 6, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.BaseDelay)
}
