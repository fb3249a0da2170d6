// Package weather 拉取 NWS 当前生效的气象告警（GeoJSON）
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crisisrag/internal/adapter/source"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// Config NWS 适配器配置
type Config struct {
	BaseURL        string // 默认 https://api.weather.gov
	Area           string // 州代码，如 TX；为空拉取全部
	UserAgent      string // NWS 要求带联系方式的 User-Agent
	RatePerSecond  float64
	TimeoutSeconds int
}

// Adapter NWS 告警适配器
type Adapter struct {
	baseURL string
	area    string
	fetcher *source.Fetcher
}

// New 创建适配器
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.weather.gov"
	}
	return &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		area:    strings.ToUpper(strings.TrimSpace(cfg.Area)),
		fetcher: source.NewFetcher(source.HTTPConfig{
			UserAgent:      cfg.UserAgent,
			Accept:         "application/geo+json",
			RatePerSecond:  cfg.RatePerSecond,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}),
	}
}

func (a *Adapter) Source() signal.Source { return signal.SourceWeather }

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string     `json:"id"`
	Geometry   *geometry  `json:"geometry"`
	Properties properties `json:"properties"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type properties struct {
	ID          string     `json:"id"`
	Event       string     `json:"event"`
	Headline    string     `json:"headline"`
	Description string     `json:"description"`
	Instruction string     `json:"instruction"`
	Severity    string     `json:"severity"`
	Certainty   string     `json:"certainty"`
	Urgency     string     `json:"urgency"`
	AreaDesc    string     `json:"areaDesc"`
	SenderName  string     `json:"senderName"`
	Sent        time.Time  `json:"sent"`
	Effective   time.Time  `json:"effective"`
	Expires     *time.Time `json:"expires"`
}

// Fetch 拉取当前生效告警
func (a *Adapter) Fetch(ctx context.Context) ([]signal.RawItem, error) {
	q := url.Values{}
	q.Set("status", "actual")
	if a.area != "" {
		q.Set("area", a.area)
	}
	endpoint := a.baseURL + "/alerts/active?" + q.Encode()

	body, err := a.fetcher.Get(ctx, "weather.alerts", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch nws alerts: %w", err)
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("decode nws alerts: %w", err)
	}

	items := make([]signal.RawItem, 0, len(fc.Features))
	for _, f := range fc.Features {
		p := f.Properties
		id := p.ID
		if id == "" {
			id = f.ID
		}
		items = append(items, signal.WeatherAlert{
			ID:          id,
			Event:       p.Event,
			Headline:    p.Headline,
			Description: p.Description,
			Instruction: p.Instruction,
			Severity:    p.Severity,
			Certainty:   p.Certainty,
			Urgency:     p.Urgency,
			AreaDesc:    p.AreaDesc,
			SenderName:  p.SenderName,
			Sent:        p.Sent,
			Effective:   p.Effective,
			Expires:     p.Expires,
			Centroid:    centroid(f.Geometry),
		})
	}
	applog.Info("[Weather] Alerts fetched", "area", a.area, "count", len(items))
	return items, nil
}

// centroid 多边形外环顶点的平均值；无几何或无法解析时返回 nil
func centroid(g *geometry) *signal.Location {
	if g == nil || len(g.Coordinates) == 0 {
		return nil
	}
	var ring [][]float64
	switch g.Type {
	case "Polygon":
		var poly [][][]float64
		if err := json.Unmarshal(g.Coordinates, &poly); err != nil || len(poly) == 0 {
			return nil
		}
		ring = poly[0]
	case "MultiPolygon":
		var multi [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &multi); err != nil || len(multi) == 0 || len(multi[0]) == 0 {
			return nil
		}
		ring = multi[0][0]
	case "Point":
		var pt []float64
		if err := json.Unmarshal(g.Coordinates, &pt); err != nil || len(pt) < 2 {
			return nil
		}
		ring = [][]float64{pt}
	default:
		return nil
	}

	var sumLat, sumLng float64
	n := 0
	for _, p := range ring {
		if len(p) < 2 {
			continue
		}
		sumLng += p[0]
		sumLat += p[1]
		n++
	}
	if n == 0 {
		return nil
	}
	return &signal.Location{Lat: sumLat / float64(n), Lng: sumLng / float64(n)}
}
