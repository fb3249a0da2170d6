package rag

import (
	"time"

	"crisisrag/internal/domain/genai"
)

// Options 一次检索问答的请求参数。DisasterType / Location / Severity 是调用方提供的提示，
// 同时参与缓存键的计算。
type Options struct {
	DisasterType string `json:"disaster_type,omitempty"`
	Location     string `json:"location,omitempty"`
	Severity     string `json:"severity,omitempty"`
	MaxIncidents int    `json:"max_incidents,omitempty"`
	MaxProtocols int    `json:"max_protocols,omitempty"`
	SkipCache    bool   `json:"skip_cache,omitempty"`
}

// Timings 各阶段耗时（毫秒）
type Timings struct {
	EmbedMS    int64 `json:"embed_ms"`
	EntitiesMS int64 `json:"entities_ms"`
	SearchMS   int64 `json:"search_ms"`
	GenerateMS int64 `json:"generate_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// Result 检索问答结果
type Result struct {
	Query             string                  `json:"query"`
	GeneratedResponse string                  `json:"generated_response"`
	Incidents         []genai.IncidentContext `json:"incidents"`
	Protocols         []genai.ProtocolContext `json:"protocols"`
	Entities          *genai.Entities         `json:"entities,omitempty"`
	Fallback          bool                    `json:"fallback"`
	Timings           Timings                 `json:"timings"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
}

// Cached 结果是否来自缓存
func (r *Result) Cached() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, _ := r.Metadata["cached"].(bool)
	return v
}

// RetrievalLog 每次检索问答的审计记录
type RetrievalLog struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	Entities    *genai.Entities `json:"entities,omitempty"`
	IncidentIDs []string        `json:"incident_ids"`
	ProtocolIDs []string        `json:"protocol_ids"`
	Cached      bool            `json:"cached"`
	Fallback    bool            `json:"fallback"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Timings     Timings         `json:"timings"`
	CreatedAt   time.Time       `json:"created_at"`
}
