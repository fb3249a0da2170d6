package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// indexedDocument 索引中的文档结构
type indexedDocument struct {
	ID          string         `json:"id"`
	RecordID    string         `json:"record_id"`
	Source      string         `json:"source"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Category    string         `json:"category"`
	CategoryKey string         `json:"category_key"`
	Confidence  float64        `json:"confidence"`
	Lat         *float64       `json:"lat,omitempty"`
	Lng         *float64       `json:"lng,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
	Embedding   []float32      `json:"embedding,omitempty"`
	EmbeddedAt  *time.Time     `json:"embedded_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func toIndexed(doc signal.StoredDocument) indexedDocument {
	d := indexedDocument{
		ID:          doc.ID,
		RecordID:    doc.RecordID,
		Source:      string(doc.Source),
		Title:       doc.Title,
		Content:     doc.Text,
		Category:    doc.Category,
		CategoryKey: strings.ToLower(strings.TrimSpace(doc.Category)),
		Confidence:  doc.Confidence,
		Meta:        doc.Meta,
		PublishedAt: doc.PublishedAt,
		Embedding:   doc.Embedding,
		EmbeddedAt:  doc.EmbeddedAt,
		CreatedAt:   doc.CreatedAt,
	}
	if doc.Location != nil {
		lat, lng := doc.Location.Lat, doc.Location.Lng
		d.Lat, d.Lng = &lat, &lng
	}
	return d
}

func (d indexedDocument) toStored() signal.StoredDocument {
	doc := signal.StoredDocument{
		ID:          d.ID,
		RecordID:    d.RecordID,
		Source:      signal.Source(d.Source),
		Title:       d.Title,
		Text:        d.Content,
		Category:    d.Category,
		Confidence:  d.Confidence,
		Meta:        d.Meta,
		PublishedAt: d.PublishedAt,
		Embedding:   d.Embedding,
		EmbeddedAt:  d.EmbeddedAt,
		CreatedAt:   d.CreatedAt,
	}
	if d.Lat != nil && d.Lng != nil {
		doc.Location = &signal.Location{Lat: *d.Lat, Lng: *d.Lng}
	}
	return doc
}

// BulkIndex 批量写入文档，文档 ID 作为 _id，重复写入为覆盖
func (c *Client) BulkIndex(ctx context.Context, docs []signal.StoredDocument) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]any{"index": map[string]any{"_index": c.indexName, "_id": doc.ID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(toIndexed(doc)); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/_bulk", &buf)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID    string `json:"_id"`
			Error *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bulk index failed (%d)", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk index %s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk index reported errors")
	}

	applog.Debug("[OpenSearch] Bulk indexed", "count", len(docs))
	return nil
}

// UpdateVector 局部更新文档向量
func (c *Client) UpdateVector(ctx context.Context, id string, vec []float32, at time.Time) error {
	if c.dims > 0 && len(vec) != c.dims {
		return fmt.Errorf("%w: got %d, want %d", signal.ErrDimensionMismatch, len(vec), c.dims)
	}
	payload := map[string]any{"doc": map[string]any{"embedding": vec, "embedded_at": at.UTC()}}
	if _, err := c.doJSON(ctx, http.MethodPost, "/"+c.indexName+"/_update/"+id, payload); err != nil {
		return fmt.Errorf("update vector: %w", err)
	}
	return nil
}

// DeleteDocument 按文档 ID 删除
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/"+c.indexName+"/_doc/"+id, nil)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete document failed (%d)", resp.StatusCode)
	}
	return nil
}

// LexicalSearch BM25 全文检索，标题权重加倍。返回原始 _score。
func (c *Client) LexicalSearch(ctx context.Context, query string, opts search.Options) ([]search.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	boolQuery := map[string]any{
		"must": []any{
			map[string]any{
				"multi_match": map[string]any{
					"query":  query,
					"fields": []string{"title^2", "content"},
				},
			},
		},
	}
	addFilters(boolQuery, opts)

	body := map[string]any{
		"size":  limitOf(opts),
		"query": map[string]any{"bool": boolQuery},
		"sort":  sortClause(),
	}
	return c.executeSearch(ctx, body, search.MethodLexical)
}

// VectorSearch kNN 向量检索。lucene cosinesimil 的得分为 (1+cos)/2，这里换算回余弦相似度。
func (c *Client) VectorSearch(ctx context.Context, vec []float32, opts search.Options) ([]search.Hit, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if c.dims > 0 && len(vec) != c.dims {
		return nil, fmt.Errorf("%w: query vector has %d dims, index has %d", signal.ErrDimensionMismatch, len(vec), c.dims)
	}
	k := limitOf(opts)
	knn := map[string]any{"vector": vec, "k": k}

	filter := map[string]any{}
	addFilters(filter, opts)
	if len(filter) > 0 {
		knn["filter"] = map[string]any{"bool": filter}
	}

	body := map[string]any{
		"size":  k,
		"query": map[string]any{"knn": map[string]any{"embedding": knn}},
		"sort":  sortClause(),
	}
	hits, err := c.executeSearch(ctx, body, search.MethodVector)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		cos := 2*hits[i].Score - 1
		hits[i].Score, hits[i].VectorScore = cos, cos
	}
	return hits, nil
}

// executeSearch 执行查询并解析命中
func (c *Client) executeSearch(ctx context.Context, body map[string]any, method string) ([]search.Hit, error) {
	respBody, err := c.doJSON(ctx, http.MethodPost, "/"+c.indexName+"/_search", body)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", method, err)
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]search.Hit, 0, len(osResp.Hits.Hits))
	for _, h := range osResp.Hits.Hits {
		var src indexedDocument
		if err := json.Unmarshal(h.Source, &src); err != nil {
			applog.Warn("[OpenSearch] Failed to parse hit source", "id", h.ID, "error", err)
			continue
		}
		hit := search.Hit{Document: src.toStored(), Score: h.Score, Method: method}
		if method == search.MethodLexical {
			hit.LexicalScore = h.Score
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// addFilters 把分类与来源过滤写入 bool 查询
func addFilters(boolQuery map[string]any, opts search.Options) {
	var filters, mustNot []any
	if cats := lo.Compact(lo.Map(opts.Categories, func(c string, _ int) string {
		return strings.ToLower(strings.TrimSpace(c))
	})); len(cats) > 0 {
		filters = append(filters, map[string]any{"terms": map[string]any{"category_key": cats}})
	}
	if len(opts.Sources) > 0 {
		filters = append(filters, map[string]any{"terms": map[string]any{"source": sourceStrings(opts.Sources)}})
	}
	if len(opts.ExcludeSources) > 0 {
		mustNot = append(mustNot, map[string]any{"terms": map[string]any{"source": sourceStrings(opts.ExcludeSources)}})
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
}

// sortClause 同分时新发布的在前，再按 ID 稳定排序
func sortClause() []any {
	return []any{
		"_score",
		map[string]any{"published_at": map[string]string{"order": "desc"}},
		map[string]any{"id": map[string]string{"order": "asc"}},
	}
}

func sourceStrings(srcs []signal.Source) []string {
	return lo.Map(srcs, func(s signal.Source, _ int) string { return string(s) })
}

func limitOf(opts search.Options) int {
	if opts.Limit <= 0 {
		return search.DefaultLimit
	}
	return opts.Limit
}

var _ search.Index = (*Client)(nil)
