package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/domain/signal"
)

const sample = `{
  "features": [
    {
      "id": "https://api.weather.gov/alerts/urn:oid:1",
      "geometry": {"type": "Polygon", "coordinates": [[[-95.0, 29.0], [-95.0, 30.0], [-96.0, 30.0], [-96.0, 29.0]]]},
      "properties": {
        "id": "urn:oid:1",
        "event": "Flood Warning",
        "headline": "Flood Warning issued for Harris County",
        "description": "Heavy rain has caused flooding in Houston.",
        "instruction": "Turn around, don't drown.",
        "severity": "Severe",
        "areaDesc": "Harris, TX",
        "sent": "2026-05-01T10:00:00Z",
        "effective": "2026-05-01T10:05:00Z",
        "expires": "2026-05-01T22:00:00Z"
      }
    },
    {
      "id": "urn:oid:2",
      "geometry": null,
      "properties": {"event": "Heat Advisory", "severity": "Moderate", "sent": "2026-05-01T09:00:00Z"}
    }
  ]
}`

func TestFetchParsesAlerts(t *testing.T) {
	var gotPath, gotArea, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotArea = r.URL.Query().Get("area")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL, Area: "tx", UserAgent: "crisisrag-test (ops@example.org)"})
	items, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "/alerts/active", gotPath)
	assert.Equal(t, "TX", gotArea)
	assert.Equal(t, "crisisrag-test (ops@example.org)", gotUA)

	first, ok := items[0].(signal.WeatherAlert)
	require.True(t, ok)
	assert.Equal(t, "urn:oid:1", first.ID)
	assert.Equal(t, "Severe", first.Severity)
	require.NotNil(t, first.Centroid)
	assert.InDelta(t, 29.5, first.Centroid.Lat, 1e-9)
	assert.InDelta(t, -95.5, first.Centroid.Lng, 1e-9)
	require.NotNil(t, first.Expires)

	second := items[1].(signal.WeatherAlert)
	assert.Equal(t, "urn:oid:2", second.ID)
	assert.Nil(t, second.Centroid)
}

func TestFetchClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad area", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, calls)
}
