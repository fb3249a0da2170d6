package signal

import (
	"math"
	"strconv"
	"strings"
)

// 灾害类型关键词表，按优先级排列，命中第一个即返回
var disasterKeywords = []struct {
	Type     string
	Keywords []string
}{
	{"flood", []string{"flash flood", "flood", "storm surge", "inundation", "levee", "high water"}},
	{"hurricane", []string{"hurricane", "tropical storm", "typhoon", "cyclone"}},
	{"tornado", []string{"tornado", "funnel cloud"}},
	{"wildfire", []string{"wildfire", "red flag", "forest fire", "bushfire", "brush fire", "active fire", "fire"}},
	{"earthquake", []string{"earthquake", "seismic", "aftershock", "tremor", "quake"}},
	{"tsunami", []string{"tsunami"}},
	{"winter_storm", []string{"blizzard", "winter storm", "ice storm", "snow", "freezing rain"}},
	{"heat", []string{"excessive heat", "heat wave", "heatwave", "heat advisory"}},
	{"landslide", []string{"landslide", "mudslide", "debris flow"}},
	{"drought", []string{"drought"}},
	{"thunderstorm", []string{"severe thunderstorm", "thunderstorm", "hail", "damaging wind"}},
}

// 严重程度关键词表（序数 5..2），未命中返回 0
var severityKeywords = []struct {
	Level    int
	Keywords []string
}{
	{5, []string{"catastrophic", "extreme", "critical", "life-threatening", "emergency", "evacuate immediately"}},
	{4, []string{"severe", "major", "dangerous", "high"}},
	{3, []string{"moderate", "medium", "warning"}},
	{2, []string{"minor", "low", "advisory", "watch", "statement"}},
}

// InferDisasterType 按关键词推断灾害类型，未命中返回空串
func InferDisasterType(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range disasterKeywords {
		for _, kw := range entry.Keywords {
			if strings.Contains(lower, kw) {
				return entry.Type
			}
		}
	}
	return ""
}

// DisasterTypes 返回已知的灾害类型
func DisasterTypes() []string {
	out := make([]string, 0, len(disasterKeywords))
	for _, entry := range disasterKeywords {
		out = append(out, entry.Type)
	}
	return out
}

// InferSeverity 按关键词推断严重程度，未命中返回 0
func InferSeverity(text string) int {
	lower := strings.ToLower(text)
	for _, entry := range severityKeywords {
		for _, kw := range entry.Keywords {
			if containsWord(lower, kw) {
				return entry.Level
			}
		}
	}
	return 0
}

// ParseSeverity 解析元数据中的严重程度：序数、NWS 等级词或 low/medium/high/critical
func ParseSeverity(v any) int {
	switch t := v.(type) {
	case int:
		return clampSeverity(t)
	case int64:
		return clampSeverity(int(t))
	case float64:
		return clampSeverity(int(math.Round(t)))
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if n, err := strconv.Atoi(s); err == nil {
			return clampSeverity(n)
		}
		switch s {
		case "extreme", "critical":
			return 5
		case "severe", "high":
			return 4
		case "moderate", "medium":
			return 3
		case "minor", "low":
			return 2
		case "unknown":
			return 1
		}
	}
	return 0
}

// SeverityLabel 序数转为缓存 key / 实体抽取使用的文字等级
func SeverityLabel(level int) string {
	switch {
	case level >= 5:
		return "critical"
	case level == 4:
		return "high"
	case level == 3:
		return "medium"
	case level >= 1:
		return "low"
	}
	return ""
}

func clampSeverity(n int) int {
	if n < 1 {
		return 0
	}
	if n > 5 {
		return 5
	}
	return n
}

// ParseConfidence 解析置信度：0..1 小数、0..100 百分比或 FIRMS 的 l/n/h
func ParseConfidence(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return normalizeConfidence(t), true
	case int:
		return normalizeConfidence(float64(t)), true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "l", "low":
			return 0.3, true
		case "n", "nominal":
			return 0.6, true
		case "h", "high":
			return 0.9, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return normalizeConfidence(f), true
		}
	}
	return 0, false
}

func normalizeConfidence(f float64) float64 {
	if f > 1 {
		f /= 100
	}
	return math.Max(0, math.Min(1, f))
}

// 短关键词（如 "high"、"low"）按词边界匹配，避免命中 "highway"
func containsWord(text, kw string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(kw)
		before := i == 0 || !isWordByte(text[i-1])
		after := end == len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
