package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalizer 把各来源的原始条目映射为 NormalizedRecord
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer 创建 Normalizer，now 为空时使用 time.Now
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize 单条转换，失败返回错误而不是 panic
func (n *Normalizer) Normalize(item RawItem) (NormalizedRecord, error) {
	var (
		rec NormalizedRecord
		err error
	)
	switch v := item.(type) {
	case WeatherAlert:
		rec = n.weather(v)
	case *WeatherAlert:
		if v == nil {
			return rec, fmt.Errorf("nil weather alert")
		}
		rec = n.weather(*v)
	case SocialPost:
		rec = n.social(v)
	case *SocialPost:
		if v == nil {
			return rec, fmt.Errorf("nil social post")
		}
		rec = n.social(*v)
	case FireDetection:
		rec = n.fire(v)
	case *FireDetection:
		if v == nil {
			return rec, fmt.Errorf("nil fire detection")
		}
		rec = n.fire(*v)
	case ProtocolDoc:
		rec = n.protocol(v)
	case *ProtocolDoc:
		if v == nil {
			return rec, fmt.Errorf("nil protocol doc")
		}
		rec = n.protocol(*v)
	case nil:
		return rec, fmt.Errorf("nil raw item")
	default:
		return rec, fmt.Errorf("unsupported raw item %T", item)
	}

	rec.Text = strings.TrimSpace(rec.Text)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = n.now().UTC()
	}
	if err = rec.Validate(); err != nil {
		return NormalizedRecord{}, fmt.Errorf("normalize %s item: %w", item.RawSource(), err)
	}
	return rec, nil
}

func (n *Normalizer) weather(a WeatherAlert) NormalizedRecord {
	parts := make([]string, 0, 3)
	if h := strings.TrimSpace(a.Headline); h != "" {
		parts = append(parts, h)
	}
	if d := strings.TrimSpace(a.Description); d != "" {
		parts = append(parts, d)
	}
	if ins := strings.TrimSpace(a.Instruction); ins != "" {
		parts = append(parts, "Instructions: "+ins)
	}
	if len(parts) == 0 && a.Event != "" {
		parts = append(parts, strings.TrimSpace(a.Event+" for "+a.AreaDesc))
	}

	meta := map[string]any{
		"event":     a.Event,
		"headline":  a.Headline,
		"severity":  a.Severity,
		"certainty": a.Certainty,
		"urgency":   a.Urgency,
		"area":      a.AreaDesc,
		"sender":    a.SenderName,
	}
	if a.Expires != nil {
		meta["expires"] = a.Expires.UTC().Format(time.RFC3339)
	}
	ts := a.Effective
	if ts.IsZero() {
		ts = a.Sent
	}
	return NormalizedRecord{
		ID:        recordID(SourceWeather, a.ID),
		Source:    SourceWeather,
		Timestamp: ts.UTC(),
		Text:      strings.Join(parts, "\n\n"),
		Location:  a.Centroid,
		Meta:      dropEmpty(meta),
	}
}

func (n *Normalizer) social(p SocialPost) NormalizedRecord {
	meta := map[string]any{
		"author":     p.Author,
		"url":        p.URL,
		"language":   p.Language,
		"reblogs":    p.Reblogs,
		"favourites": p.Favourites,
	}
	if len(p.Tags) > 0 {
		meta["tags"] = append([]string(nil), p.Tags...)
	}
	return NormalizedRecord{
		ID:        recordID(SourceSocial, p.ID),
		Source:    SourceSocial,
		Timestamp: p.CreatedAt.UTC(),
		Text:      p.Content,
		Location:  p.Location,
		Meta:      dropEmpty(meta),
	}
}

func (n *Normalizer) fire(f FireDetection) NormalizedRecord {
	conf := strings.TrimSpace(f.Confidence)
	label := conf
	switch strings.ToLower(conf) {
	case "l":
		label = "low"
	case "n":
		label = "nominal"
	case "h":
		label = "high"
	}
	text := fmt.Sprintf("Active fire detected by %s %s at %.4f, %.4f with %s confidence (brightness %.1fK, FRP %.1f MW).",
		f.Satellite, f.Instrument, f.Latitude, f.Longitude, label, f.Brightness, f.FRP)

	meta := map[string]any{
		"event":          "wildfire",
		"confidence_raw": conf,
		"brightness":     f.Brightness,
		"frp":            f.FRP,
		"satellite":      f.Satellite,
		"instrument":     f.Instrument,
		"daynight":       f.DayNight,
	}
	if c, ok := ParseConfidence(conf); ok {
		meta["confidence"] = c
	}
	// 火点没有天然 ID，按坐标 + 时间 + 卫星生成稳定 ID 以便去重
	key := fmt.Sprintf("%.4f|%.4f|%s|%s", f.Latitude, f.Longitude, f.AcquiredAt.UTC().Format(time.RFC3339), f.Satellite)
	sum := sha256.Sum256([]byte(key))

	return NormalizedRecord{
		ID:        recordID(SourceSatellite, hex.EncodeToString(sum[:12])),
		Source:    SourceSatellite,
		Timestamp: f.AcquiredAt.UTC(),
		Text:      text,
		Location:  &Location{Lat: f.Latitude, Lng: f.Longitude},
		Meta:      dropEmpty(meta),
	}
}

func (n *Normalizer) protocol(d ProtocolDoc) NormalizedRecord {
	meta := make(map[string]any, len(d.Meta)+6)
	for k, v := range d.Meta {
		meta[k] = v
	}
	meta["title"] = d.Title
	meta["disaster_type"] = d.DisasterType
	meta["path"] = d.Path
	meta["format"] = d.Format
	meta["chunk_index"] = d.ChunkIndex
	meta["chunk_count"] = d.ChunkCount

	id := d.ID
	if id != "" && d.ChunkCount > 1 {
		id = fmt.Sprintf("%s#%d", id, d.ChunkIndex)
	}
	return NormalizedRecord{
		ID:        recordID(SourceProtocol, id),
		Source:    SourceProtocol,
		Timestamp: d.UpdatedAt.UTC(),
		Text:      d.Body,
		Meta:      dropEmpty(meta),
	}
}

func recordID(src Source, native string) string {
	native = strings.TrimSpace(native)
	if native == "" {
		native = uuid.NewString()
	}
	return string(src) + ":" + native
}

func dropEmpty(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	return m
}
