// Package satellite 拉取 NASA FIRMS 区域火点 CSV
package satellite

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"crisisrag/internal/adapter/source"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

var ErrMissingMapKey = errors.New("firms map key is required")

// Config FIRMS 适配器配置
type Config struct {
	BaseURL        string // 默认 https://firms.modaps.eosdis.nasa.gov
	MapKey         string
	Sensor         string // 默认 VIIRS_SNPP_NRT
	Area           string // "world" 或 west,south,east,north
	DayRange       int    // 1..10，默认 1
	RatePerSecond  float64
	TimeoutSeconds int
}

// Adapter FIRMS 火点适配器
type Adapter struct {
	cfg     Config
	fetcher *source.Fetcher
}

// New 创建适配器
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.MapKey) == "" {
		return nil, ErrMissingMapKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://firms.modaps.eosdis.nasa.gov"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Sensor == "" {
		cfg.Sensor = "VIIRS_SNPP_NRT"
	}
	if cfg.Area == "" {
		cfg.Area = "world"
	}
	if cfg.DayRange <= 0 {
		cfg.DayRange = 1
	}
	if cfg.DayRange > 10 {
		cfg.DayRange = 10
	}
	return &Adapter{
		cfg: cfg,
		fetcher: source.NewFetcher(source.HTTPConfig{
			Accept:         "text/csv",
			RatePerSecond:  cfg.RatePerSecond,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}),
	}, nil
}

func (a *Adapter) Source() signal.Source { return signal.SourceSatellite }

// Fetch 拉取 {base}/api/area/csv/{key}/{sensor}/{area}/{days}
func (a *Adapter) Fetch(ctx context.Context) ([]signal.RawItem, error) {
	endpoint := fmt.Sprintf("%s/api/area/csv/%s/%s/%s/%d",
		a.cfg.BaseURL, a.cfg.MapKey, a.cfg.Sensor, a.cfg.Area, a.cfg.DayRange)

	body, err := a.fetcher.Get(ctx, "satellite.firms", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch firms csv: %w", err)
	}
	items, skipped, err := ParseCSV(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applog.Info("[Satellite] Detections fetched", "sensor", a.cfg.Sensor, "count", len(items), "skipped", skipped)
	return items, nil
}

// ParseCSV 解析 FIRMS CSV，无法解析的行计入 skipped 而不是中断。
// VIIRS 使用 bright_ti4，MODIS 使用 brightness。
func ParseCSV(r io.Reader) ([]signal.RawItem, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) == 1 && !strings.Contains(header[0], "latitude") {
		// FIRMS 对无效 key 返回 200 + 纯文本错误
		return nil, 0, fmt.Errorf("firms error: %s", strings.TrimSpace(header[0]))
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"latitude", "longitude", "acq_date"} {
		if _, ok := col[required]; !ok {
			return nil, 0, fmt.Errorf("firms csv missing column %q", required)
		}
	}

	var (
		items   []signal.RawItem
		skipped int
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		det, ok := parseRow(row, col)
		if !ok {
			skipped++
			continue
		}
		items = append(items, det)
	}
	return items, skipped, nil
}

func parseRow(row []string, col map[string]int) (signal.FireDetection, bool) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	num := func(name string) float64 {
		f, _ := strconv.ParseFloat(get(name), 64)
		return f
	}

	lat, errLat := strconv.ParseFloat(get("latitude"), 64)
	lng, errLng := strconv.ParseFloat(get("longitude"), 64)
	if errLat != nil || errLng != nil {
		return signal.FireDetection{}, false
	}
	acquired, err := acquiredAt(get("acq_date"), get("acq_time"))
	if err != nil {
		return signal.FireDetection{}, false
	}

	brightness := num("bright_ti4")
	if brightness == 0 {
		brightness = num("brightness")
	}
	return signal.FireDetection{
		Latitude:   lat,
		Longitude:  lng,
		Brightness: brightness,
		FRP:        num("frp"),
		Confidence: get("confidence"),
		Satellite:  get("satellite"),
		Instrument: get("instrument"),
		DayNight:   get("daynight"),
		AcquiredAt: acquired,
	}, true
}

// acquiredAt acq_time 为 HHMM（UTC），可能省略前导零
func acquiredAt(date, hhmm string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, err
	}
	if hhmm == "" {
		return d, nil
	}
	n, err := strconv.Atoi(hhmm)
	if err != nil || n < 0 || n > 2359 {
		return time.Time{}, fmt.Errorf("bad acq_time %q", hhmm)
	}
	return d.Add(time.Duration(n/100)*time.Hour + time.Duration(n%100)*time.Minute), nil
}
