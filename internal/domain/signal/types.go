// Package signal 定义灾情信号的统一数据模型：规范化记录、持久化文档与告警。
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyText       = errors.New("record text is empty")
	ErrUnknownSource   = errors.New("unknown source")
	ErrInvalidLocation = errors.New("invalid location")

	// ErrDuplicateRecord 同一 record_id 的文档已存在
	ErrDuplicateRecord  = errors.New("duplicate record")
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDimensionMismatch 向量维度与存储列不一致
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Source 数据来源（封闭集合）
type Source string

const (
	SourceWeather   Source = "weather"
	SourceSocial    Source = "social"
	SourceSatellite Source = "satellite"
	SourceProtocol  Source = "protocol"
)

// AllSources 返回全部来源，顺序固定
func AllSources() []Source {
	return []Source{SourceWeather, SourceSocial, SourceSatellite, SourceProtocol}
}

// ParseSource 解析来源名称（大小写不敏感）
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if !src.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
	return src, nil
}

func (s Source) Valid() bool {
	switch s {
	case SourceWeather, SourceSocial, SourceSatellite, SourceProtocol:
		return true
	}
	return false
}

// IsIncident 非协议类来源视为事件
func (s Source) IsIncident() bool { return s.Valid() && s != SourceProtocol }

// Location 经纬度，出现时两个坐标必须同时存在
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l *Location) Validate() error {
	if l == nil {
		return nil
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidLocation, l.Lat, l.Lng)
	}
	return nil
}

// NormalizedRecord 各适配器输出的统一记录
type NormalizedRecord struct {
	ID        string         `json:"id"`
	Source    Source         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Text      string         `json:"text"`
	Location  *Location      `json:"location,omitempty"`
	Meta      map[string]any `json:"meta"`
}

// Validate 校验记录不变量
func (r NormalizedRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record id is empty")
	}
	if !r.Source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, r.Source)
	}
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}
	return r.Location.Validate()
}

// StoredDocument 持久化的文档，Embedding 由 embedding worker 写入且只写一次
type StoredDocument struct {
	ID          string         `json:"id"`
	RecordID    string         `json:"record_id"`
	Source      Source         `json:"source"`
	Title       string         `json:"title"`
	Text        string         `json:"text"`
	Category    string         `json:"category"`
	Confidence  float64        `json:"confidence"`
	Location    *Location      `json:"location,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
	Embedding   []float32      `json:"-"`
	EmbeddedAt  *time.Time     `json:"embedded_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AlertRecord 非协议来源派生出的告警，与文档一一对应
type AlertRecord struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"document_id"`
	Source       Source     `json:"source"`
	AlertType    string     `json:"alert_type"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Severity     int        `json:"severity"`
	Location     *Location  `json:"location,omitempty"`
	LocationName string     `json:"location_name,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EmbeddingType 向量任务类型
type EmbeddingType string

const (
	EmbedText     EmbeddingType = "EMBED_TEXT"
	EmbedProtocol EmbeddingType = "EMBED_PROTOCOL"
)

// EmbeddingTypeFor 按来源选择任务类型
func EmbeddingTypeFor(s Source) EmbeddingType {
	if s == SourceProtocol {
		return EmbedProtocol
	}
	return EmbedText
}
