// Package bootstrap 按配置装配全部组件。所有依赖显式构造并注入，不使用全局注册表。
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"crisisrag/internal/adapter/source/protocol"
	"crisisrag/internal/adapter/source/satellite"
	"crisisrag/internal/adapter/source/social"
	"crisisrag/internal/adapter/source/weather"
	"crisisrag/internal/app/embedding"
	"crisisrag/internal/app/ingest"
	memorydb "crisisrag/internal/db/memory"
	"crisisrag/internal/db/opensearch"
	"crisisrag/internal/db/postgres"
	redisdb "crisisrag/internal/db/redis"
	"crisisrag/internal/domain/cache"
	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
	"crisisrag/internal/platform/config"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

const pingTimeout = 5 * time.Second

// Store 主存储需要提供的全部能力，memorydb.Store 与 postgres.Repository 均满足
type Store interface {
	ingest.Store
	embedding.VectorWriter
	search.Index
	queue.Queue
	rag.LogStore
}

// documentWriter 文档与向量的写入端，启用 OpenSearch 时为镜像写入器
type documentWriter interface {
	ingest.Store
	embedding.VectorWriter
}

// Option 覆盖默认构造的组件，供测试与命令行工具使用
type Option func(*buildOptions)

type buildOptions struct {
	llm      provider.LLMProvider
	embedder provider.EmbeddingProvider
	clock    clock.Clock
	store    Store
}

func WithLLM(p provider.LLMProvider) Option { return func(o *buildOptions) { o.llm = p } }

func WithEmbedder(e provider.EmbeddingProvider) Option {
	return func(o *buildOptions) { o.embedder = e }
}

func WithClock(c clock.Clock) Option { return func(o *buildOptions) { o.clock = c } }

// WithStore 使用外部创建的主存储，Close 不负责关闭它
func WithStore(s Store) Option { return func(o *buildOptions) { o.store = s } }

// Container 装配好的应用组件。Scheduler / Worker / GenAI / Embedder 在未启用或未配置时为 nil。
type Container struct {
	Config    *config.AppConfig
	Clock     clock.Clock
	Providers *provider.Registry
	Store     Store
	GenAI     *genai.Client
	Embedder  provider.EmbeddingProvider
	Cache     *cache.Service
	Search    *search.Service
	RAG       *rag.Orchestrator
	Ingest    *ingest.Orchestrator
	Scheduler *ingest.Scheduler
	Worker    *embedding.Worker

	memCache *cache.MemoryBackend
	redis    *goredis.Client
	closers  []func() error
}

// New 按配置构造全部组件。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (_ *Container, err error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	c := &Container{Config: cfg, Clock: o.clock, Providers: provider.NewRegistry()}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.initProviders(ctx, o); err != nil {
		return nil, err
	}
	if err := c.initStore(ctx, o); err != nil {
		return nil, err
	}
	if err := c.initRedis(ctx); err != nil {
		return nil, err
	}
	writer, index, err := c.initSearchBackend(ctx)
	if err != nil {
		return nil, err
	}
	c.initCache()

	c.Search = search.NewService(index, search.HybridOptions{
		Options:             search.Options{Limit: cfg.Search.DefaultLimit},
		TextWeight:          cfg.Search.TextWeight,
		VectorWeight:        cfg.Search.VectorWeight,
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
	})

	deps := rag.Deps{
		Searcher: c.Search,
		Embedder: c.Embedder,
		Cache:    c.Cache,
		Logs:     c.Store,
		Now:      c.Clock.Now,
	}
	if c.GenAI != nil {
		deps.Generator = c.GenAI
	}
	c.RAG = rag.NewOrchestrator(deps, rag.Config{
		MaxIncidents: cfg.Search.MaxIncidents,
		MaxProtocols: cfg.Search.MaxProtocols,
		CacheTTL:     config.Seconds(cfg.Cache.TTLSeconds, time.Hour),
		Hybrid:       c.Search.Defaults(),
	})

	if err := c.initIngest(writer); err != nil {
		return nil, err
	}

	if c.Embedder != nil {
		c.Worker = embedding.NewWorker(c.Store, c.Embedder, writer, c.Clock, embedding.Config{
			PollInterval:     config.Seconds(cfg.Worker.PollIntervalSeconds, 5*time.Second),
			BatchSize:        cfg.Worker.BatchSize,
			WriteConcurrency: cfg.Worker.WriteConcurrency,
			LeaseTimeout:     config.Seconds(cfg.Worker.LeaseSeconds, 0),
		})
	}
	return c, nil
}

func (c *Container) initProviders(ctx context.Context, o buildOptions) error {
	cfg := c.Config

	llm := o.llm
	if llm != nil {
		c.Providers.RegisterLLM(llm)
	} else {
		p, err := RegisterLLMProvider(ctx, c.Providers, cfg.LLM)
		if err != nil {
			return fmt.Errorf("init llm provider: %w", err)
		}
		llm = p
		if closer, ok := p.(io.Closer); ok {
			c.closers = append(c.closers, closer.Close)
		}
	}
	if llm != nil {
		c.GenAI = genai.NewClient(llm, genai.Config{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Retry:       llmRetryPolicy(cfg.LLM),
		})
	}

	if o.embedder != nil {
		c.Providers.RegisterEmbedder(o.embedder)
		c.Embedder = o.embedder
		return nil
	}
	e, err := RegisterEmbeddingProvider(c.Providers, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}
	if e != nil {
		c.Embedder = e
	}
	return nil
}

func llmRetryPolicy(cfg config.LLMConfig) retry.Policy {
	return retryPolicy(cfg.MaxAttempts, cfg.BaseDelayMS)
}

func embeddingRetryPolicy(cfg config.EmbeddingConfig) retry.Policy {
	return retryPolicy(cfg.MaxAttempts, cfg.BaseDelayMS)
}

func retryPolicy(maxAttempts, baseDelayMS int) retry.Policy {
	p := retry.DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelayMS > 0 {
		p.BaseDelay = time.Duration(baseDelayMS) * time.Millisecond
		p.MaxJitter = p.BaseDelay
	}
	return p
}

func (c *Container) initStore(ctx context.Context, o buildOptions) error {
	cfg := c.Config
	if o.store != nil {
		c.Store = o.store
		return nil
	}

	switch cfg.Storage.Backend {
	case "memory":
		c.Store = memorydb.New(memorydb.Options{Dims: cfg.Embedding.Dimensions, Now: c.Clock.Now})
		applog.Info("✅ Using in-memory storage")
		return nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		c.closers = append(c.closers, db.Close)

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		applog.Info("✅ Connected to PostgreSQL")

		repo := postgres.NewRepository(db, postgres.Options{Dims: cfg.Embedding.Dimensions})
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		applog.Info("✅ Schema ready (documents, alerts, embedding_tasks, retrieval_logs)")
		c.Store = repo
		return nil
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func (c *Container) initRedis(ctx context.Context) error {
	url := c.Config.Redis.URL
	if url == "" {
		applog.Info("ℹ️  No REDIS_URL set, source locks and alert publishing disabled")
		return nil
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opt)
	c.closers = append(c.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	c.redis = client
	applog.Info("✅ Connected to Redis")
	return nil
}

func (c *Container) initSearchBackend(ctx context.Context) (documentWriter, search.Index, error) {
	cfg := c.Config
	if cfg.Search.Backend != "opensearch" {
		return c.Store, c.Store, nil
	}

	client := opensearch.NewClient(opensearch.Config{
		URL:                cfg.OpenSearch.URL,
		Username:           cfg.OpenSearch.Username,
		Password:           cfg.OpenSearch.Password,
		Index:              cfg.OpenSearch.Index,
		Dims:               cfg.Embedding.Dimensions,
		InsecureSkipVerify: cfg.OpenSearch.InsecureSkipVerify,
		TimeoutSeconds:     cfg.OpenSearch.TimeoutSeconds,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, nil, err
	}
	if err := client.EnsureIndex(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure opensearch index: %w", err)
	}
	applog.Info("✅ Connected to OpenSearch", "index", client.IndexName())
	return opensearch.NewMirror(c.Store, client), client, nil
}

func (c *Container) initCache() {
	cfg := c.Config
	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "redis":
		if c.redis != nil {
			backend = redisdb.NewCacheBackend(c.redis)
		}
	case "memory":
		c.memCache = cache.NewMemoryBackend(c.Clock)
		backend = c.memCache
	}
	c.Cache = cache.NewService(backend, cache.Options{
		Namespace:  cfg.Cache.Namespace,
		DefaultTTL: config.Seconds(cfg.Cache.TTLSeconds, time.Hour),
	})
	applog.Info("✅ Response cache ready", "backend", c.Cache.BackendName())
}

func (c *Container) initIngest(writer documentWriter) error {
	cfg := c.Config
	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	deps := ingest.Deps{
		Adapters:   adapters,
		Store:      writer,
		Tasks:      c.Store,
		Clock:      c.Clock,
		MaxRetries: cfg.Worker.MaxRetries,
	}
	var locker ingest.Locker
	if c.redis != nil {
		deps.Publisher = redisdb.NewAlertPublisher(c.redis, cfg.Redis.AlertQueue, cfg.Redis.StatsKey)
		locker = redisdb.NewSourceLock(c.redis, config.Seconds(cfg.Redis.LockTTLSeconds, 10*time.Minute))
	}
	c.Ingest = ingest.NewOrchestrator(deps)
	applog.Info("✅ Ingestion ready", "sources", c.Ingest.Sources())

	if cfg.Ingest.SchedulerEnabled {
		c.Scheduler = ingest.NewScheduler(c.Ingest, c.Clock, locker, ingest.SchedulerConfig{
			Intervals:  schedulerIntervals(cfg.Ingest),
			RunOnStart: true,
		})
	}
	return nil
}

func buildAdapters(cfg *config.AppConfig) ([]ingest.Adapter, error) {
	in := cfg.Ingest
	timeout := cfg.Runtime.HTTPTimeoutSeconds
	var adapters []ingest.Adapter

	if in.Weather.Enabled {
		adapters = append(adapters, weather.New(weather.Config{
			BaseURL:        in.Weather.BaseURL,
			Area:           in.Weather.Area,
			UserAgent:      in.Weather.UserAgent,
			RatePerSecond:  in.Weather.RatePerSecond,
			TimeoutSeconds: timeout,
		}))
	}
	if in.Social.Enabled {
		adapters = append(adapters, social.New(social.Config{
			BaseURL:        in.Social.BaseURL,
			AccessToken:    in.Social.AccessToken,
			Tags:           in.Social.Tags,
			Limit:          in.Social.Limit,
			RatePerSecond:  in.Social.RatePerSecond,
			TimeoutSeconds: timeout,
		}))
	}
	if in.Satellite.Enabled {
		a, err := satellite.New(satellite.Config{
			BaseURL:        in.Satellite.BaseURL,
			MapKey:         in.Satellite.MapKey,
			Sensor:         in.Satellite.Sensor,
			Area:           in.Satellite.Area,
			DayRange:       in.Satellite.DayRange,
			RatePerSecond:  in.Satellite.RatePerSecond,
			TimeoutSeconds: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init satellite adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if in.Protocol.Enabled {
		adapters = append(adapters, protocol.New(protocol.Config{
			Dir:          in.Protocol.Dir,
			ChunkSize:    in.Protocol.ChunkSize,
			ChunkOverlap: in.Protocol.ChunkOverlap,
			MaxFileSize:  in.Protocol.MaxFileSize,
		}))
	}
	return adapters, nil
}

func schedulerIntervals(in config.IngestConfig) map[signal.Source]time.Duration {
	intervals := make(map[signal.Source]time.Duration)
	if in.Weather.Enabled {
		intervals[signal.SourceWeather] = config.Seconds(in.Weather.IntervalSeconds, 0)
	}
	if in.Social.Enabled {
		intervals[signal.SourceSocial] = config.Seconds(in.Social.IntervalSeconds, 0)
	}
	if in.Satellite.Enabled {
		intervals[signal.SourceSatellite] = config.Seconds(in.Satellite.IntervalSeconds, 0)
	}
	if in.Protocol.Enabled {
		intervals[signal.SourceProtocol] = config.Seconds(in.Protocol.IntervalSeconds, 0)
	}
	return intervals
}

// Start 启动后台组件：缓存清扫、嵌入工作器、摄取调度器
func (c *Container) Start(ctx context.Context) error {
	if c.memCache != nil {
		c.memCache.StartSweeper(config.Seconds(c.Config.Cache.SweepIntervalSeconds, time.Minute))
	}
	if c.Worker != nil && c.Config.Worker.Enabled {
		if err := c.Worker.Start(ctx); err != nil {
			return err
		}
	}
	if c.Scheduler != nil {
		if err := c.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close 停止后台组件并按创建的逆序释放资源，可重复调用
func (c *Container) Close() error {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Worker != nil {
		c.Worker.Stop()
	}
	if c.memCache != nil {
		c.memCache.Stop()
	}

	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i]())
	}
	c.closers = nil
	return err
}
