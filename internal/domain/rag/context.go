package rag

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"crisisrag/internal/domain/genai"
	"crisisrag/internal/domain/search"
	"crisisrag/internal/domain/signal"
)

const (
	untitledIncident = "Untitled incident"
	untitledProtocol = "Untitled protocol"
	noSummary        = "No summary available"
)

// BuildContext 把检索命中裁剪成有界的模型上下文：事件最多 maxIncidents 条，预案最多 maxProtocols 条。
// 没有 ID 或正文的命中被丢弃，缺失的标题与摘要使用占位文本。
func BuildContext(incidents, protocols []search.Hit, maxIncidents, maxProtocols, summaryLen int) genai.Context {
	usable := func(h search.Hit, _ int) bool {
		return strings.TrimSpace(h.Document.ID) != "" && strings.TrimSpace(h.Document.Text) != ""
	}
	incidents = lo.Filter(incidents, usable)
	protocols = lo.Filter(protocols, usable)
	if len(incidents) > maxIncidents {
		incidents = incidents[:maxIncidents]
	}
	if len(protocols) > maxProtocols {
		protocols = protocols[:maxProtocols]
	}

	return genai.Context{
		Incidents: lo.Map(incidents, func(h search.Hit, _ int) genai.IncidentContext {
			doc := h.Document
			return genai.IncidentContext{
				ID:          doc.ID,
				Title:       orDefault(doc.Title, untitledIncident),
				Summary:     orDefault(genai.Truncate(strings.TrimSpace(doc.Text), summaryLen), noSummary),
				Source:      string(doc.Source),
				Category:    doc.Category,
				Severity:    signal.ParseSeverity(doc.Meta["severity"]),
				Location:    locationName(doc),
				Score:       h.Score,
				PublishedAt: doc.PublishedAt,
			}
		}),
		Protocols: lo.Map(protocols, func(h search.Hit, _ int) genai.ProtocolContext {
			doc := h.Document
			return genai.ProtocolContext{
				ID:           doc.ID,
				Title:        orDefault(doc.Title, untitledProtocol),
				Summary:      orDefault(genai.Truncate(strings.TrimSpace(doc.Text), summaryLen), noSummary),
				DisasterType: protocolType(doc),
				Score:        h.Score,
			}
		}),
	}
}

// FallbackResponse 生成失败时的模板回答，永不为空
func FallbackResponse(query string, rc genai.Context) string {
	if rc.Empty() {
		return fmt.Sprintf("No matching incidents or response protocols were found for %q. "+
			"Follow instructions from local emergency management authorities and monitor official channels.",
			strings.TrimSpace(query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated guidance is temporarily unavailable. Records retrieved for %q:\n", strings.TrimSpace(query))
	if len(rc.Incidents) > 0 {
		b.WriteString("\nRelated incidents:\n")
		for _, inc := range rc.Incidents {
			fmt.Fprintf(&b, "- %s (%s", inc.Title, inc.Source)
			if label := signal.SeverityLabel(inc.Severity); label != "" {
				fmt.Fprintf(&b, ", severity %s", label)
			}
			if inc.Location != "" {
				fmt.Fprintf(&b, ", %s", inc.Location)
			}
			b.WriteString(")\n")
		}
	}
	if len(rc.Protocols) > 0 {
		b.WriteString("\nApplicable protocols:\n")
		for _, p := range rc.Protocols {
			fmt.Fprintf(&b, "- %s\n", p.Title)
		}
	}
	b.WriteString("\nReview the listed records and follow the applicable protocol steps.")
	return b.String()
}

func locationName(doc signal.StoredDocument) string {
	for _, k := range []string{"area", "location_name", "location"} {
		if s, ok := doc.Meta[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if doc.Location != nil {
		return fmt.Sprintf("%.4f,%.4f", doc.Location.Lat, doc.Location.Lng)
	}
	return ""
}

func protocolType(doc signal.StoredDocument) string {
	if s, ok := doc.Meta["disaster_type"].(string); ok && s != "" {
		return s
	}
	if doc.Category != signal.CategoryGeneral {
		return doc.Category
	}
	return ""
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
