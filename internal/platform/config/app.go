package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel   string           `json:"log_level"`
	LogFormat  string           `json:"log_format"`
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	OpenSearch OpenSearchConfig `json:"opensearch"`
	LLM        LLMConfig        `json:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Cache      CacheConfig      `json:"cache"`
	Search     SearchConfig     `json:"search"`
	Worker     WorkerConfig     `json:"worker"`
	Ingest     IngestConfig     `json:"ingest"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

// StorageConfig 持久化后端：postgres | memory
type StorageConfig struct {
	Backend string `json:"backend"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL            string `json:"url"`
	AlertQueue     string `json:"alert_queue"`
	StatsKey       string `json:"stats_key"`
	LockTTLSeconds int    `json:"lock_ttl_seconds"`
}

// OpenSearchConfig 可选的外部检索索引，Search.Backend=opensearch 时启用
type OpenSearchConfig struct {
	URL                string `json:"url"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Index              string `json:"index"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

// LLMConfig 生成式后端：openai | anthropic | gemini
type LLMConfig struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	BaseURL        string  `json:"base_url"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxAttempts    int     `json:"max_attempts"`
	BaseDelayMS    int     `json:"base_delay_ms"`
}

// EmbeddingConfig 向量后端：jina | openai
type EmbeddingConfig struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Dimensions     int    `json:"dimensions"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxAttempts    int    `json:"max_attempts"`
	BaseDelayMS    int    `json:"base_delay_ms"`
}

// CacheConfig 生成结果缓存：redis | memory | off
type CacheConfig struct {
	Backend              string `json:"backend"`
	Namespace            string `json:"namespace"`
	TTLSeconds           int    `json:"ttl_seconds"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
}

// SearchConfig Backend: store（使用主存储自带索引）| opensearch
type SearchConfig struct {
	Backend             string  `json:"backend"`
	TextWeight          float64 `json:"text_weight"`
	VectorWeight        float64 `json:"vector_weight"`
	CandidateMultiplier int     `json:"candidate_multiplier"`
	DefaultLimit        int     `json:"default_limit"`
	MaxIncidents        int     `json:"max_incidents"`
	MaxProtocols        int     `json:"max_protocols"`
}

type WorkerConfig struct {
	Enabled             bool `json:"enabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds"`
	BatchSize           int  `json:"batch_size"`
	WriteConcurrency    int  `json:"write_concurrency"`
	LeaseSeconds        int  `json:"lease_seconds"`
	MaxRetries          int  `json:"max_retries"`
}

type IngestConfig struct {
	SchedulerEnabled bool            `json:"scheduler_enabled"`
	Weather          WeatherConfig   `json:"weather"`
	Social           SocialConfig    `json:"social"`
	Satellite        SatelliteConfig `json:"satellite"`
	Protocol         ProtocolConfig  `json:"protocol"`
}

type WeatherConfig struct {
	Enabled         bool    `json:"enabled"`
	BaseURL         string  `json:"base_url"`
	Area            string  `json:"area"`
	UserAgent       string  `json:"user_agent"`
	IntervalSeconds int     `json:"interval_seconds"`
	RatePerSecond   float64 `json:"rate_per_second"`
}

type SocialConfig struct {
	Enabled         bool     `json:"enabled"`
	BaseURL         string   `json:"base_url"`
	AccessToken     string   `json:"access_token"`
	Tags            []string `json:"tags"`
	Limit           int      `json:"limit"`
	IntervalSeconds int      `json:"interval_seconds"`
	RatePerSecond   float64  `json:"rate_per_second"`
}

type SatelliteConfig struct {
	Enabled         bool    `json:"enabled"`
	BaseURL         string  `json:"base_url"`
	MapKey          string  `json:"map_key"`
	Sensor          string  `json:"sensor"`
	Area            string  `json:"area"`
	DayRange        int     `json:"day_range"`
	IntervalSeconds int     `json:"interval_seconds"`
	RatePerSecond   float64 `json:"rate_per_second"`
}

type ProtocolConfig struct {
	Enabled         bool   `json:"enabled"`
	Dir             string `json:"dir"`
	ChunkSize       int    `json:"chunk_size"`
	ChunkOverlap    int    `json:"chunk_overlap"`
	MaxFileSize     int    `json:"max_file_size"` // MB
	IntervalSeconds int    `json:"interval_seconds"`
}

// RuntimeConfig 运行期超时
type RuntimeConfig struct {
	HTTPTimeoutSeconds     int `json:"http_timeout_seconds"`
	QueryTimeoutSeconds    int `json:"query_timeout_seconds"`
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 120,
		},
		Storage: StorageConfig{Backend: "postgres"},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Redis: RedisConfig{
			AlertQueue:     "alerts_queue",
			StatsKey:       "stats_queue",
			LockTTLSeconds: 600,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Temperature:    0.3,
			MaxTokens:      1024,
			TimeoutSeconds: 60,
			MaxAttempts:    3,
			BaseDelayMS:    1000,
		},
		Embedding: EmbeddingConfig{
			Provider:       "jina",
			Dimensions:     1024,
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			BaseDelayMS:    1000,
		},
		Cache: CacheConfig{
			Backend:              "redis",
			Namespace:            "disaster_plan",
			TTLSeconds:           3600,
			SweepIntervalSeconds: 60,
		},
		OpenSearch: OpenSearchConfig{
			Index:          "crisis_documents",
			TimeoutSeconds: 30,
		},
		Search: SearchConfig{
			Backend:             "store",
			TextWeight:          0.4,
			VectorWeight:        0.6,
			CandidateMultiplier: 3,
			DefaultLimit:        10,
			MaxIncidents:        5,
			MaxProtocols:        3,
		},
		Worker: WorkerConfig{
			Enabled:             true,
			PollIntervalSeconds: 5,
			BatchSize:           16,
			WriteConcurrency:    4,
			LeaseSeconds:        300,
			MaxRetries:          3,
		},
		Ingest: IngestConfig{
			SchedulerEnabled: true,
			Weather: WeatherConfig{
				Enabled:         true,
				BaseURL:         "https://api.weather.gov",
				Area:            "TX",
				UserAgent:       "crisisrag/1.0 (ops@example.org)",
				IntervalSeconds: 300,
				RatePerSecond:   1,
			},
			Social: SocialConfig{
				Enabled:         true,
				BaseURL:         "https://mastodon.social",
				Tags:            []string{"flood", "wildfire", "earthquake", "hurricane"},
				Limit:           40,
				IntervalSeconds: 120,
				RatePerSecond:   2,
			},
			Satellite: SatelliteConfig{
				Enabled:         false,
				BaseURL:         "https://firms.modaps.eosdis.nasa.gov",
				Sensor:          "VIIRS_SNPP_NRT",
				Area:            "world",
				DayRange:        1,
				IntervalSeconds: 900,
				RatePerSecond:   0.5,
			},
			Protocol: ProtocolConfig{
				Enabled:         true,
				Dir:             "./protocols",
				ChunkSize:       1200,
				ChunkOverlap:    150,
				MaxFileSize:     20,
				IntervalSeconds: 86400,
			},
		},
		Runtime: RuntimeConfig{
			HTTPTimeoutSeconds:     30,
			QueryTimeoutSeconds:    90,
			ShutdownTimeoutSeconds: 15,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（.json / .toml / .yaml）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := c.decode(filepath.Ext(path), data); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

// decode toml / yaml 先解到通用 map 再转 JSON，字段名统一以 json tag 为准
func (c *AppConfig) decode(ext string, data []byte) error {
	var generic map[string]any
	switch strings.ToLower(ext) {
	case ".json", "":
		return json.Unmarshal(data, c)
	case ".toml":
		if err := toml.Unmarshal(data, &generic); err != nil {
			return err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, c)
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("STORAGE_BACKEND", &c.Storage.Backend)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)
	applyString("REDIS_ALERT_QUEUE", &c.Redis.AlertQueue)
	applyString("REDIS_STATS_KEY", &c.Redis.StatsKey)
	applyInt("REDIS_LOCK_TTL", &c.Redis.LockTTLSeconds)

	applyString("OPENSEARCH_URL", &c.OpenSearch.URL)
	applyString("OPENSEARCH_USERNAME", &c.OpenSearch.Username)
	applyString("OPENSEARCH_PASSWORD", &c.OpenSearch.Password)
	applyString("OPENSEARCH_INDEX", &c.OpenSearch.Index)
	applyBool("OPENSEARCH_INSECURE_SKIP_VERIFY", &c.OpenSearch.InsecureSkipVerify)
	applyInt("OPENSEARCH_TIMEOUT", &c.OpenSearch.TimeoutSeconds)

	applyString("LLM_PROVIDER", &c.LLM.Provider)
	applyString("LLM_MODEL", &c.LLM.Model)
	applyString("LLM_API_KEY", &c.LLM.APIKey)
	applyString("LLM_BASE_URL", &c.LLM.BaseURL)
	applyFloat64("LLM_TEMPERATURE", &c.LLM.Temperature)
	applyInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	applyInt("LLM_TIMEOUT", &c.LLM.TimeoutSeconds)
	applyInt("LLM_MAX_ATTEMPTS", &c.LLM.MaxAttempts)
	applyInt("LLM_BASE_DELAY_MS", &c.LLM.BaseDelayMS)

	applyString("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	applyString("EMBEDDING_MODEL", &c.Embedding.Model)
	applyString("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	applyString("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	applyInt("EMBEDDING_DIMENSIONS", &c.Embedding.Dimensions)
	applyInt("EMBEDDING_TIMEOUT", &c.Embedding.TimeoutSeconds)
	applyInt("EMBEDDING_MAX_ATTEMPTS", &c.Embedding.MaxAttempts)
	applyInt("EMBEDDING_BASE_DELAY_MS", &c.Embedding.BaseDelayMS)
	// 兼容原有部署的变量名
	applyString("JINA_API_KEY", &c.Embedding.APIKey)

	applyString("CACHE_BACKEND", &c.Cache.Backend)
	applyString("CACHE_NAMESPACE", &c.Cache.Namespace)
	applyInt("CACHE_TTL", &c.Cache.TTLSeconds)
	applyInt("CACHE_SWEEP_INTERVAL", &c.Cache.SweepIntervalSeconds)

	applyString("SEARCH_BACKEND", &c.Search.Backend)
	applyFloat64("SEARCH_TEXT_WEIGHT", &c.Search.TextWeight)
	applyFloat64("SEARCH_VECTOR_WEIGHT", &c.Search.VectorWeight)
	applyInt("SEARCH_CANDIDATE_MULTIPLIER", &c.Search.CandidateMultiplier)
	applyInt("SEARCH_DEFAULT_LIMIT", &c.Search.DefaultLimit)
	applyInt("SEARCH_MAX_INCIDENTS", &c.Search.MaxIncidents)
	applyInt("SEARCH_MAX_PROTOCOLS", &c.Search.MaxProtocols)

	applyBool("WORKER_ENABLED", &c.Worker.Enabled)
	applyInt("WORKER_POLL_INTERVAL", &c.Worker.PollIntervalSeconds)
	applyInt("WORKER_BATCH_SIZE", &c.Worker.BatchSize)
	applyInt("WORKER_WRITE_CONCURRENCY", &c.Worker.WriteConcurrency)
	applyInt("WORKER_LEASE", &c.Worker.LeaseSeconds)
	applyInt("WORKER_MAX_RETRIES", &c.Worker.MaxRetries)

	applyBool("INGEST_SCHEDULER_ENABLED", &c.Ingest.SchedulerEnabled)

	applyBool("WEATHER_ENABLED", &c.Ingest.Weather.Enabled)
	applyString("WEATHER_BASE_URL", &c.Ingest.Weather.BaseURL)
	applyString("WEATHER_AREA", &c.Ingest.Weather.Area)
	applyString("WEATHER_USER_AGENT", &c.Ingest.Weather.UserAgent)
	applyInt("WEATHER_INTERVAL", &c.Ingest.Weather.IntervalSeconds)

	applyBool("SOCIAL_ENABLED", &c.Ingest.Social.Enabled)
	applyString("SOCIAL_BASE_URL", &c.Ingest.Social.BaseURL)
	applyString("SOCIAL_ACCESS_TOKEN", &c.Ingest.Social.AccessToken)
	applyList("SOCIAL_TAGS", &c.Ingest.Social.Tags)
	applyInt("SOCIAL_LIMIT", &c.Ingest.Social.Limit)
	applyInt("SOCIAL_INTERVAL", &c.Ingest.Social.IntervalSeconds)

	applyBool("SATELLITE_ENABLED", &c.Ingest.Satellite.Enabled)
	applyString("SATELLITE_BASE_URL", &c.Ingest.Satellite.BaseURL)
	applyString("FIRMS_MAP_KEY", &c.Ingest.Satellite.MapKey)
	applyString("SATELLITE_SENSOR", &c.Ingest.Satellite.Sensor)
	applyString("SATELLITE_AREA", &c.Ingest.Satellite.Area)
	applyInt("SATELLITE_DAY_RANGE", &c.Ingest.Satellite.DayRange)
	applyInt("SATELLITE_INTERVAL", &c.Ingest.Satellite.IntervalSeconds)

	applyBool("PROTOCOL_ENABLED", &c.Ingest.Protocol.Enabled)
	applyString("PROTOCOL_DIR", &c.Ingest.Protocol.Dir)
	applyInt("PROTOCOL_CHUNK_SIZE", &c.Ingest.Protocol.ChunkSize)
	applyInt("PROTOCOL_CHUNK_OVERLAP", &c.Ingest.Protocol.ChunkOverlap)
	applyInt("PROTOCOL_MAX_FILE_SIZE", &c.Ingest.Protocol.MaxFileSize)
	applyInt("PROTOCOL_INTERVAL", &c.Ingest.Protocol.IntervalSeconds)

	applyInt("HTTP_TIMEOUT", &c.Runtime.HTTPTimeoutSeconds)
	applyInt("QUERY_TIMEOUT", &c.Runtime.QueryTimeoutSeconds)
	applyInt("SHUTDOWN_TIMEOUT", &c.Runtime.ShutdownTimeoutSeconds)
}

func (c *AppConfig) normalize() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	c.Search.Backend = strings.ToLower(strings.TrimSpace(c.Search.Backend))

	if c.Search.Backend == "" {
		c.Search.Backend = "store"
	}
	if c.OpenSearch.Index == "" {
		c.OpenSearch.Index = "crisis_documents"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	// 没有 Redis 时缓存退化为进程内
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Redis.URL) == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Namespace == "" {
		c.Cache.Namespace = "disaster_plan"
	}
	if c.LLM.BaseURL == "" && c.LLM.Provider == "openai" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModels[c.LLM.Provider]
	}
	if c.Embedding.BaseURL == "" || c.Embedding.Model == "" {
		baseURL, model := "https://api.jina.ai/v1", "jina-embeddings-v3"
		if c.Embedding.Provider == "openai" {
			baseURL, model = "https://api.openai.com/v1", "text-embedding-3-small"
		}
		if c.Embedding.BaseURL == "" {
			c.Embedding.BaseURL = baseURL
		}
		if c.Embedding.Model == "" {
			c.Embedding.Model = model
		}
	}
	if c.LLM.MaxAttempts <= 0 {
		c.LLM.MaxAttempts = 3
	}
	if c.Embedding.MaxAttempts <= 0 {
		c.Embedding.MaxAttempts = 3
	}
	if c.Search.CandidateMultiplier <= 0 {
		c.Search.CandidateMultiplier = 3
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = 10
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 16
	}
	if c.Worker.WriteConcurrency <= 0 {
		c.Worker.WriteConcurrency = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Runtime.HTTPTimeoutSeconds <= 0 {
		c.Runtime.HTTPTimeoutSeconds = 30
	}
	tags := c.Ingest.Social.Tags[:0]
	for _, t := range c.Ingest.Social.Tags {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t != "" {
			tags = append(tags, t)
		}
	}
	c.Ingest.Social.Tags = tags
}

func (c *AppConfig) validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory", "off":
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.Cache.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "jina", "openai":
	default:
		return fmt.Errorf("unsupported EMBEDDING_PROVIDER %q", c.Embedding.Provider)
	}
	switch c.Search.Backend {
	case "store":
	case "opensearch":
		if strings.TrimSpace(c.OpenSearch.URL) == "" {
			return fmt.Errorf("OPENSEARCH_URL is required when SEARCH_BACKEND=opensearch")
		}
	default:
		return fmt.Errorf("unsupported SEARCH_BACKEND %q", c.Search.Backend)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive")
	}
	if c.Search.TextWeight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if c.Ingest.Satellite.Enabled && strings.TrimSpace(c.Ingest.Satellite.MapKey) == "" {
		return fmt.Errorf("FIRMS_MAP_KEY is required when SATELLITE_ENABLED=true")
	}
	return nil
}

var defaultLLMModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"gemini":    "gemini-1.5-flash",
}

// Seconds 把以秒为单位的配置项转成 time.Duration，非正数返回 fallback
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func applyList(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		*target = strings.Split(v, ",")
	}
}
