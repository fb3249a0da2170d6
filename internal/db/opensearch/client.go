// Package opensearch 可选的外部检索索引：文档镜像写入 OpenSearch，BM25 与 kNN 检索由其完成。
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	applog "crisisrag/internal/platform/log"
)

// Config OpenSearch 连接配置
type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	// Dims 向量维度；0 表示不建 knn_vector 字段
	Dims               int
	InsecureSkipVerify bool
	TimeoutSeconds     int
}

// Client OpenSearch HTTP 客户端
type Client struct {
	baseURL    string
	username   string
	password   string
	indexName  string
	dims       int
	httpClient *http.Client
}

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.Index == "" {
		cfg.Index = "crisis_documents"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 自签名证书的内网集群
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		indexName: cfg.Index,
		dims:      cfg.Dims,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// IndexName 返回索引名
func (c *Client) IndexName() string { return c.indexName }

// EnsureIndex 确保索引存在，如不存在则创建
func (c *Client) EnsureIndex(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodHead, "/"+c.indexName, nil)
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		applog.Info("[OpenSearch] Index already exists", "index", c.indexName)
		return nil
	}

	settings := map[string]any{}
	properties := map[string]any{
		"id":           map[string]string{"type": "keyword"},
		"record_id":    map[string]string{"type": "keyword"},
		"source":       map[string]string{"type": "keyword"},
		"category":     map[string]string{"type": "keyword"},
		"category_key": map[string]string{"type": "keyword"},
		"title":        map[string]string{"type": "text", "analyzer": "english"},
		"content":      map[string]string{"type": "text", "analyzer": "english"},
		"confidence":   map[string]string{"type": "float"},
		"lat":          map[string]string{"type": "double"},
		"lng":          map[string]string{"type": "double"},
		"meta":         map[string]any{"type": "object", "enabled": false},
		"published_at": map[string]string{"type": "date"},
		"embedded_at":  map[string]string{"type": "date"},
		"created_at":   map[string]string{"type": "date"},
	}

	// OpenSearch 使用 knn_vector 而非 dense_vector
	if c.dims > 0 {
		settings["index.knn"] = true
		properties["embedding"] = map[string]any{
			"type":      "knn_vector",
			"dimension": c.dims,
			"method": map[string]any{
				"name":       "hnsw",
				"space_type": "cosinesimil",
				"engine":     "lucene",
			},
		}
	}

	mapping := map[string]any{
		"settings": settings,
		"mappings": map[string]any{"properties": properties},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}

	resp, err = c.doRequest(ctx, http.MethodPut, "/"+c.indexName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	applog.Info("[OpenSearch] Index created", "index", c.indexName, "dims", c.dims)
	return nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// doJSON 发送 JSON 请求并读取响应体，非 2xx 返回错误
func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s failed (%d): %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}
