package rag

import (
	"time"

	"crisisrag/internal/domain/search"
)

// Config 检索问答编排配置
type Config struct {
	MaxIncidents int
	MaxProtocols int
	// SummaryLen 上下文中每条记录摘要的最大字符数
	SummaryLen int
	CacheTTL   time.Duration
	Hybrid     search.HybridOptions
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxIncidents: 5,
		MaxProtocols: 3,
		SummaryLen:   300,
		CacheTTL:     time.Hour,
		Hybrid: search.HybridOptions{
			TextWeight:          search.DefaultTextWeight,
			VectorWeight:        search.DefaultVectorWeight,
			CandidateMultiplier: search.DefaultCandidateMultiplier,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIncidents <= 0 {
		c.MaxIncidents = d.MaxIncidents
	}
	if c.MaxProtocols <= 0 {
		c.MaxProtocols = d.MaxProtocols
	}
	if c.SummaryLen <= 0 {
		c.SummaryLen = d.SummaryLen
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Hybrid.TextWeight == 0 && c.Hybrid.VectorWeight == 0 {
		c.Hybrid.TextWeight, c.Hybrid.VectorWeight = d.Hybrid.TextWeight, d.Hybrid.VectorWeight
	}
	if c.Hybrid.CandidateMultiplier <= 0 {
		c.Hybrid.CandidateMultiplier = d.Hybrid.CandidateMultiplier
	}
	return c
}
