package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorydb "crisisrag/internal/db/memory"
	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
)

var t0 = time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	src   signal.Source
	items []signal.RawItem
	err   error
	panic string
	calls atomic.Int32
}

func (f *fakeAdapter) Source() signal.Source { return f.src }

func (f *fakeAdapter) Fetch(ctx context.Context) ([]signal.RawItem, error) {
	f.calls.Add(1)
	if f.panic != "" {
		panic(f.panic)
	}
	return f.items, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []signal.AlertRecord
	err    error
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, a signal.AlertRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return p.err
}

// alertFailStore 文档写入成功，告警写入失败
type alertFailStore struct{ *memorydb.Store }

func (alertFailStore) InsertAlert(ctx context.Context, a signal.AlertRecord) error {
	return errors.New("alerts table locked")
}

func weatherItems() []signal.RawItem {
	return []signal.RawItem{
		signal.WeatherAlert{
			ID: "urn:nws:1", Event: "Flood Warning", Headline: "Flood Warning issued for Houston",
			Description: "Severe flooding along Buffalo Bayou.", Severity: "Severe", AreaDesc: "Harris, TX",
			Sent: t0, Effective: t0,
		},
		signal.WeatherAlert{
			ID: "urn:nws:2", Event: "Heat Advisory", Headline: "Heat Advisory for Austin",
			Description: "Heat index near 110.", Severity: "Moderate", AreaDesc: "Travis, TX",
			Sent: t0, Effective: t0,
		},
	}
}

func newTestOrchestrator(adapters ...Adapter) (*Orchestrator, *memorydb.Store, *recordingPublisher) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	pub := &recordingPublisher{}
	o := NewOrchestrator(Deps{Adapters: adapters, Store: store, Tasks: store, Publisher: pub, Clock: clk})
	return o, store, pub
}

func TestRunFullIsolatesFailingSource(t *testing.T) {
	weather := &fakeAdapter{src: signal.SourceWeather, items: weatherItems()}
	social := &fakeAdapter{src: signal.SourceSocial, items: []signal.RawItem{
		signal.SocialPost{ID: "109", Content: "Water rising fast on I-45 #flood", CreatedAt: t0},
		signal.SocialPost{ID: "110", Content: "   ", CreatedAt: t0},
	}}
	satellite := &fakeAdapter{src: signal.SourceSatellite, err: errors.New("FIRMS: invalid MAP_KEY")}
	protocol := &fakeAdapter{src: signal.SourceProtocol, items: []signal.RawItem{
		signal.ProtocolDoc{ID: "flood-urban", Title: "Urban Flood Response", DisasterType: "flood",
			Body: "Close underpasses.", ChunkCount: 1, UpdatedAt: t0},
	}}

	o, store, pub := newTestOrchestrator(weather, social, satellite, protocol)
	report := o.RunFull(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, StatusPartial, report.Status)
	require.Len(t, report.Sources, 4)

	w := report.Sources[signal.SourceWeather]
	assert.True(t, w.Success)
	assert.Equal(t, 2, w.Fetched)
	assert.Equal(t, 2, w.Normalized)
	assert.Equal(t, 2, w.Inserted)
	assert.Equal(t, 2, w.Alerts)
	assert.Equal(t, 2, w.Enqueued)

	s := report.Sources[signal.SourceSocial]
	assert.True(t, s.Success)
	assert.Equal(t, 2, s.Fetched)
	assert.Equal(t, 1, s.Normalized)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.Inserted)

	p := report.Sources[signal.SourceProtocol]
	assert.True(t, p.Success)
	assert.Equal(t, 1, p.Inserted)
	assert.Equal(t, 0, p.Alerts)

	sat := report.Sources[signal.SourceSatellite]
	assert.False(t, sat.Success)
	assert.Contains(t, sat.Error, "invalid MAP_KEY")
	assert.Equal(t, 1, sat.Errors)

	assert.Equal(t, 4, report.Totals.Inserted)
	assert.Equal(t, 4, report.Totals.Enqueued)
	assert.Equal(t, 3, report.Totals.Alerts)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Documents)
	assert.Equal(t, 3, stats.Alerts)
	assert.Equal(t, 4, stats.Tasks[queue.StatePending])
	assert.Len(t, pub.alerts, 3)
}

func TestRunFullRecoversAdapterPanic(t *testing.T) {
	weather := &fakeAdapter{src: signal.SourceWeather, items: weatherItems()}
	social := &fakeAdapter{src: signal.SourceSocial, panic: "nil map"}

	o, _, _ := newTestOrchestrator(weather, social)
	report := o.RunFull(context.Background())

	assert.False(t, report.Success)
	assert.Contains(t, report.Sources[signal.SourceSocial].Error, "panic: nil map")
	assert.True(t, report.Sources[signal.SourceWeather].Success)
}

func TestRunFullAllSucceed(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeAdapter{src: signal.SourceWeather, items: weatherItems()})
	report := o.RunFull(context.Background())
	assert.True(t, report.Success)
	assert.Equal(t, StatusSuccess, report.Status)
}

func TestRunSourceSkipsDuplicates(t *testing.T) {
	weather := &fakeAdapter{src: signal.SourceWeather, items: weatherItems()}
	o, store, _ := newTestOrchestrator(weather)
	ctx := context.Background()

	first, err := o.RunSource(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := o.RunSource(ctx, "WEATHER")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)
	assert.Equal(t, 0, second.Enqueued)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Tasks[queue.StatePending])
}

func TestRunSourceUnknown(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeAdapter{src: signal.SourceWeather})

	_, err := o.RunSource(context.Background(), "satellite")
	assert.ErrorIs(t, err, ErrUnknownSource)
	_, err = o.RunSource(context.Background(), "radio")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestAlertFailureKeepsDocument(t *testing.T) {
	clk := clock.NewFake(t0)
	mem := memorydb.New(memorydb.Options{Now: clk.Now})
	pub := &recordingPublisher{}
	o := NewOrchestrator(Deps{
		Adapters:  []Adapter{&fakeAdapter{src: signal.SourceWeather, items: weatherItems()[:1]}},
		Store:     alertFailStore{mem},
		Tasks:     mem,
		Publisher: pub,
		Clock:     clk,
	})

	res, err := o.RunSource(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Alerts)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Enqueued)
	assert.Empty(t, pub.alerts)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	o, store, pub := newTestOrchestrator(&fakeAdapter{src: signal.SourceWeather, items: weatherItems()})
	pub.err = errors.New("redis down")

	res, err := o.RunSource(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Alerts)
	assert.Len(t, store.Alerts(context.Background()), 2)
}
