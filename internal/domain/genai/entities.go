package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// 抽取方式
const (
	MethodLLM       = "llm"
	MethodHeuristic = "heuristic"
)

// Entities 查询或文本中抽取出的结构化实体
type Entities struct {
	DisasterType string   `json:"disaster_type,omitempty"`
	Severity     string   `json:"severity,omitempty"` // low | medium | high | critical
	Locations    []string `json:"locations,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Method       string   `json:"method"`
}

// PrimaryLocation 第一个地点，没有返回空串
func (e *Entities) PrimaryLocation() string {
	if e == nil || len(e.Locations) == 0 {
		return ""
	}
	return e.Locations[0]
}

const entitySystem = "You extract structured facts from disaster-related text. Reply with a single JSON object and nothing else."

var entityPrompt = `Extract entities from the text below and answer with JSON matching this schema:
{
  "disaster_type": "one of: ` + strings.Join(signal.DisasterTypes(), ", ") + `, other",
  "severity": "one of: low, medium, high, critical",
  "locations": ["place names mentioned, most specific first"],
  "keywords": ["up to 5 salient keywords"]
}

Text:
%s`

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	// "in / at / near" 后跟的首字母大写词组
	locationPattern = regexp.MustCompile(`\b(?:in|at|near|around)\s+((?:[A-Z][\w'.-]*)(?:\s+[A-Z][\w'.-]*)*)`)
)

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// ExtractEntities 抽取实体。后端返回格式不稳定时依次尝试：整体 JSON、代码块、花括号截取，
// 全部失败则使用关键词启发式，保证总有结果。
func (c *Client) ExtractEntities(ctx context.Context, text string) Entities {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entities{Method: MethodHeuristic}
	}

	out, err := c.complete(ctx, "extract_entities", entitySystem, fmt.Sprintf(entityPrompt, text), true, 512)
	if err == nil {
		if ent, ok := ParseEntities(out); ok {
			ent.Method = MethodLLM
			fillFromHeuristic(&ent, text)
			return ent
		}
		applog.Warn("[GenAI] Entity response not parseable, using heuristics", "response", Truncate(out, 200))
	}
	return HeuristicEntities(text)
}

// ParseEntities 从可能夹杂说明文字的模型输出中解析实体 JSON
func ParseEntities(raw string) (Entities, bool) {
	for _, candidate := range jsonCandidates(raw) {
		var m map[string]any
		if err := json.Unmarshal([]byte(candidate), &m); err != nil {
			continue
		}
		return entitiesFromMap(m), true
	}
	return Entities{}, false
}

func jsonCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	candidates := []string{raw}
	if m := fencedJSON.FindStringSubmatch(raw); len(m) == 2 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}
	return candidates
}

func entitiesFromMap(m map[string]any) Entities {
	var ent Entities
	if s, ok := m["disaster_type"].(string); ok {
		ent.DisasterType = normalizeDisasterType(s)
	}
	switch v := m["severity"].(type) {
	case string:
		if s := strings.ToLower(strings.TrimSpace(v)); validSeverities[s] {
			ent.Severity = s
		} else {
			ent.Severity = signal.SeverityLabel(signal.ParseSeverity(v))
		}
	case float64:
		ent.Severity = signal.SeverityLabel(signal.ParseSeverity(v))
	}
	ent.Locations = stringList(m["locations"])
	if len(ent.Locations) == 0 {
		ent.Locations = stringList(m["location"])
	}
	ent.Keywords = stringList(m["keywords"])
	return ent
}

func normalizeDisasterType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "other" || s == "none" || s == "unknown" {
		return ""
	}
	if t := signal.InferDisasterType(s); t != "" {
		return t
	}
	return strings.ReplaceAll(s, " ", "_")
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		out = []string{t}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	out = lo.Map(out, func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(out))
}

// HeuristicEntities 关键词 + 正则推断
func HeuristicEntities(text string) Entities {
	ent := Entities{Method: MethodHeuristic}
	fillFromHeuristic(&ent, text)
	return ent
}

// fillFromHeuristic 只填补缺失字段
func fillFromHeuristic(ent *Entities, text string) {
	if ent.DisasterType == "" {
		ent.DisasterType = signal.InferDisasterType(text)
	}
	if ent.Severity == "" {
		ent.Severity = signal.SeverityLabel(signal.InferSeverity(text))
	}
	if len(ent.Locations) == 0 {
		var locs []string
		for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
			locs = append(locs, strings.TrimRight(m[1], ".,"))
		}
		ent.Locations = lo.Uniq(locs)
	}
	if len(ent.Keywords) == 0 && ent.DisasterType != "" {
		ent.Keywords = []string{ent.DisasterType}
	}
}
