package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(func() time.Time { return fixedNow })
}

func TestNormalizeWeatherAlert(t *testing.T) {
	expires := fixedNow.Add(6 * time.Hour)
	rec, err := newTestNormalizer().Normalize(WeatherAlert{
		ID:          "urn:oid:1",
		Event:       "Flood Warning",
		Headline:    "Flood Warning issued for Houston",
		Description: "Severe flooding expected along Buffalo Bayou.",
		Severity:    "Severe",
		AreaDesc:    "Houston",
		Effective:   fixedNow,
		Expires:     &expires,
		Centroid:    &Location{Lat: 29.76, Lng: -95.37},
	})
	require.NoError(t, err)

	assert.Equal(t, "weather:urn:oid:1", rec.ID)
	assert.Equal(t, SourceWeather, rec.Source)
	assert.Contains(t, rec.Text, "Buffalo Bayou")
	assert.Equal(t, "Severe", rec.Meta["severity"])
	assert.Equal(t, expires.Format(time.RFC3339), rec.Meta["expires"])

	doc := DeriveDocument(rec, fixedNow)
	assert.Equal(t, "flood", doc.Category)
	assert.Equal(t, "Flood Warning issued for Houston", doc.Title)
	assert.InDelta(t, 0.9, doc.Confidence, 1e-9)

	alert, ok := DeriveAlert(rec, doc, fixedNow)
	require.True(t, ok)
	assert.Equal(t, doc.ID, alert.DocumentID)
	assert.Equal(t, "Flood Alert", alert.Title)
	assert.Equal(t, 4, alert.Severity)
	assert.Equal(t, "Houston", alert.LocationName)
	require.NotNil(t, alert.EndTime)
	assert.True(t, alert.EndTime.Equal(expires))
}

func TestNormalizeRejectsEmptyText(t *testing.T) {
	_, err := newTestNormalizer().Normalize(SocialPost{ID: "1", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestNormalizeRejectsBadLocation(t *testing.T) {
	_, err := newTestNormalizer().Normalize(SocialPost{
		ID:       "1",
		Content:  "water everywhere",
		Location: &Location{Lat: 120, Lng: 0},
	})
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestNormalizeUnsupportedItem(t *testing.T) {
	_, err := newTestNormalizer().Normalize(nil)
	assert.Error(t, err)
}

func TestNormalizeFireDetectionIsStable(t *testing.T) {
	det := FireDetection{
		Latitude:   34.1,
		Longitude:  -118.2,
		Brightness: 330.5,
		FRP:        12.4,
		Confidence: "h",
		Satellite:  "N",
		Instrument: "VIIRS",
		AcquiredAt: fixedNow,
	}
	n := newTestNormalizer()
	a, err := n.Normalize(det)
	require.NoError(t, err)
	b, err := n.Normalize(det)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 0.9, a.Meta["confidence"])

	doc := DeriveDocument(a, fixedNow)
	assert.Equal(t, "wildfire", doc.Category)
	assert.InDelta(t, 0.9, doc.Confidence, 1e-9)
}

func TestProtocolHasNoAlert(t *testing.T) {
	rec, err := newTestNormalizer().Normalize(ProtocolDoc{
		ID:           "flood-response",
		Title:        "Flood Response Protocol",
		DisasterType: "flood",
		Body:         "Move to higher ground.",
		ChunkIndex:   1,
		ChunkCount:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, "protocol:flood-response#1", rec.ID)
	assert.Equal(t, fixedNow, rec.Timestamp)

	doc := DeriveDocument(rec, fixedNow)
	assert.Equal(t, "Flood Response Protocol", doc.Title)
	assert.Equal(t, "flood", doc.Category)

	_, ok := DeriveAlert(rec, doc, fixedNow)
	assert.False(t, ok)
}

func TestRecordJSONShape(t *testing.T) {
	rec := NormalizedRecord{
		ID:        "social:1",
		Source:    SourceSocial,
		Timestamp: fixedNow,
		Text:      "flooding downtown",
		Meta:      map[string]any{"author": "a"},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "social", m["source"])
	assert.Equal(t, "2026-03-01T12:00:00Z", m["timestamp"])
	assert.NotContains(t, m, "location")
}

func TestSeverityParsing(t *testing.T) {
	cases := map[any]int{
		"Extreme":  5,
		"severe":   4,
		"Moderate": 3,
		"minor":    2,
		"Unknown":  1,
		"high":     4,
		3:          3,
		float64(7): 5,
		"bogus":    0,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseSeverity(in), "input %v", in)
	}
	assert.Equal(t, "critical", SeverityLabel(5))
	assert.Equal(t, "medium", SeverityLabel(3))
	assert.Equal(t, "low", SeverityLabel(1))
}

func TestInferenceTables(t *testing.T) {
	assert.Equal(t, "flood", InferDisasterType("Flash Flood Warning in effect"))
	assert.Equal(t, "earthquake", InferDisasterType("M5.1 quake felt downtown"))
	assert.Equal(t, "", InferDisasterType("nice weather today"))

	assert.Equal(t, 4, InferSeverity("severe flooding reported"))
	assert.Equal(t, 0, InferSeverity("traffic on the highway"))
	assert.Equal(t, "Winter Storm Alert", AlertTitle("winter_storm"))
	assert.Equal(t, "New Alert", AlertTitle(CategoryOther))
}

func TestParseSource(t *testing.T) {
	s, err := ParseSource(" Weather ")
	require.NoError(t, err)
	assert.Equal(t, SourceWeather, s)

	_, err = ParseSource("radio")
	assert.ErrorIs(t, err, ErrUnknownSource)
}
