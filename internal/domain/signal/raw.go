package signal

import "time"

// RawItem 适配器原始条目，每个来源一个具体类型
type RawItem interface {
	RawSource() Source
}

// WeatherAlert 气象告警（NWS CAP 字段子集）
type WeatherAlert struct {
	ID          string
	Event       string
	Headline    string
	Description string
	Instruction string
	Severity    string // Extreme | Severe | Moderate | Minor | Unknown
	Certainty   string
	Urgency     string
	AreaDesc    string
	SenderName  string
	Sent        time.Time
	Effective   time.Time
	Expires     *time.Time
	Centroid    *Location
}

func (WeatherAlert) RawSource() Source { return SourceWeather }

// SocialPost 社交平台帖子，Content 为已去除 HTML 的纯文本
type SocialPost struct {
	ID         string
	Author     string
	Content    string
	URL        string
	Language   string
	Tags       []string
	Reblogs    int
	Favourites int
	CreatedAt  time.Time
	Location   *Location
}

func (SocialPost) RawSource() Source { return SourceSocial }

// FireDetection 卫星火点（FIRMS CSV 行）
type FireDetection struct {
	Latitude   float64
	Longitude  float64
	Brightness float64
	FRP        float64
	Confidence string // VIIRS: l/n/h；MODIS: 0-100
	Satellite  string
	Instrument string
	DayNight   string
	AcquiredAt time.Time
}

func (FireDetection) RawSource() Source { return SourceSatellite }

// ProtocolDoc 应急预案文档（或其分块）
type ProtocolDoc struct {
	ID           string
	Title        string
	DisasterType string
	Body         string
	Path         string
	Format       string
	ChunkIndex   int
	ChunkCount   int
	UpdatedAt    time.Time
	Meta         map[string]any
}

func (ProtocolDoc) RawSource() Source { return SourceProtocol }
