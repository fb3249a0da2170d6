package signal

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	CategoryOther   = "other"
	CategoryGeneral = "general"
)

// 各来源缺省置信度
var defaultConfidence = map[Source]float64{
	SourceWeather:   0.9,
	SourceSocial:    0.4,
	SourceSatellite: 0.6,
	SourceProtocol:  1.0,
}

// DeriveDocument 由规范化记录生成待持久化的文档
func DeriveDocument(rec NormalizedRecord, now time.Time) StoredDocument {
	category := Category(rec)
	conf, ok := ParseConfidence(rec.Meta["confidence"])
	if !ok {
		conf = defaultConfidence[rec.Source]
	}

	doc := StoredDocument{
		ID:          uuid.NewString(),
		RecordID:    rec.ID,
		Source:      rec.Source,
		Text:        rec.Text,
		Category:    category,
		Confidence:  conf,
		Location:    rec.Location,
		Meta:        cloneMeta(rec.Meta),
		PublishedAt: rec.Timestamp,
		CreatedAt:   now.UTC(),
	}
	doc.Title = documentTitle(rec, category)
	return doc
}

// DeriveAlert 为非协议来源生成告警；协议文档返回 false
func DeriveAlert(rec NormalizedRecord, doc StoredDocument, now time.Time) (AlertRecord, bool) {
	if !rec.Source.IsIncident() {
		return AlertRecord{}, false
	}

	severity := ParseSeverity(rec.Meta["severity"])
	if severity == 0 {
		severity = InferSeverity(rec.Text)
	}
	if severity == 0 {
		severity = 1
	}

	alert := AlertRecord{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		Source:       rec.Source,
		AlertType:    doc.Category,
		Title:        AlertTitle(doc.Category),
		Description:  rec.Text,
		Severity:     severity,
		Location:     rec.Location,
		LocationName: metaString(rec.Meta, "area", "location_name", "location"),
		StartTime:    rec.Timestamp,
		CreatedAt:    now.UTC(),
	}
	if exp := metaString(rec.Meta, "expires"); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			alert.EndTime = &t
		}
	}
	return alert, true
}

// Category 取元数据中的事件类型，否则按关键词推断
func Category(rec NormalizedRecord) string {
	for _, key := range []string{"disaster_type", "alert_type", "event"} {
		if v := metaString(rec.Meta, key); v != "" {
			if t := InferDisasterType(v); t != "" {
				return t
			}
			return strings.ToLower(strings.ReplaceAll(v, " ", "_"))
		}
	}
	if t := InferDisasterType(rec.Text); t != "" {
		return t
	}
	if rec.Source == SourceProtocol {
		return CategoryGeneral
	}
	return CategoryOther
}

// AlertTitle 告警标题 "<Type> Alert"
func AlertTitle(category string) string {
	if category == "" || category == CategoryOther {
		return "New Alert"
	}
	words := strings.Fields(strings.ReplaceAll(category, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ") + " Alert"
}

func documentTitle(rec NormalizedRecord, category string) string {
	switch rec.Source {
	case SourceProtocol:
		if t := metaString(rec.Meta, "title"); t != "" {
			return t
		}
		return firstLine(rec.Text, 120)
	case SourceWeather:
		if t := metaString(rec.Meta, "headline", "event"); t != "" {
			return t
		}
	}
	return AlertTitle(category)
}

func firstLine(text string, max int) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(text), "\n", 2)[0])
	line = strings.TrimLeft(line, "# ")
	if utf8.RuneCountInString(line) > max {
		line = string([]rune(line)[:max])
	}
	return line
}

func metaString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := meta[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
