package selfmodify

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/storage"
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) { r.events = append(r.events, e) }

func newTestEngine(t *testing.T, clock *time.Time, services []ServicePerformance) (*Engine, *recordingEmitter) {
	t.Helper()
	dir := t.TempDir()
	emitter := &recordingEmitter{}
	eng := New(config.Default(), filepath.Join(dir, "services.json"), filepath.Join(dir, "evolution.jsonl"), services,
		WithEmitter(emitter),
		WithClock(func() time.Time { return *clock }),
	)
	return eng, emitter
}

func TestRecordOrderUpdatesCountersAndDailyRate(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, []ServicePerformance{{ServiceID: "svc-1", PriceMicros: 1000, CreatedAt: now}})

	eng.RecordOrder("svc-1", 500)
	eng.RecordOrder("svc-1", 500)

	cat := eng.Catalog()
	require.Equal(t, int64(2), cat.Services[0].Orders)
	require.Equal(t, int64(1000), cat.Services[0].RevenueMicros)
	require.Equal(t, int64(2), cat.Services[0].OrdersToday)
}

func TestDailyPriceLoopDecaysIdleService(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now, []ServicePerformance{
		{ServiceID: "idle-svc", PriceMicros: 1000, LastOrderAt: now.Add(-8 * 24 * time.Hour), CreatedAt: now.Add(-30 * 24 * time.Hour)},
	})

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(800), entries[0].NewPriceMicros)

	cat := eng.Catalog()
	require.Equal(t, int64(800), cat.Services[0].PriceMicros)
	require.Len(t, emitter.events, 1)
}

func TestDailyPriceLoopFloorsAtOne(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, []ServicePerformance{
		{ServiceID: "idle-svc", PriceMicros: 2, LastOrderAt: now.Add(-10 * 24 * time.Hour)},
	})

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].NewPriceMicros)
}

func TestDailyPriceLoopIgnoresNewServiceNotYetIdle(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, []ServicePerformance{
		{ServiceID: "fresh-svc", PriceMicros: 1000, CreatedAt: now.Add(-2 * 24 * time.Hour)},
	})

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 0)
}

func TestDailyPriceLoopRaisesHighVolumeService(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, []ServicePerformance{
		{ServiceID: "hot-svc", PriceMicros: 1000, CreatedAt: now},
	})
	for i := 0; i < 6; i++ {
		eng.RecordOrder("hot-svc", 100)
	}

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1100), entries[0].NewPriceMicros)
}

func TestDailyPriceLoopRaiseRespectsCeiling(t *testing.T) {
	now := time.Now().UTC()
	c := config.Default()
	c.MaxSingleOrderPriceMicros = 1050
	dir := t.TempDir()
	emitter := &recordingEmitter{}
	eng := New(c, filepath.Join(dir, "services.json"), filepath.Join(dir, "evolution.jsonl"),
		[]ServicePerformance{{ServiceID: "hot-svc", PriceMicros: 1000, CreatedAt: now}},
		WithEmitter(emitter), WithClock(func() time.Time { return now }))
	for i := 0; i < 6; i++ {
		eng.RecordOrder("hot-svc", 100)
	}

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1050), entries[0].NewPriceMicros)
}

func TestDailyPriceLoopPersistsAndReadsBack(t *testing.T) {
	now := time.Now().UTC()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "services.json")
	emitter := &recordingEmitter{}
	eng := New(config.Default(), catalogPath, filepath.Join(dir, "evolution.jsonl"),
		[]ServicePerformance{{ServiceID: "idle-svc", PriceMicros: 1000, LastOrderAt: now.Add(-10 * 24 * time.Hour)}},
		WithEmitter(emitter), WithClock(func() time.Time { return now }))

	_, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)

	var onDisk Catalog
	require.NoError(t, storage.ReadJSON(catalogPath, &onDisk))
	require.Equal(t, int64(800), onDisk.Services[0].PriceMicros)
}

func TestDailyPriceLoopNoChangesSkipsPersist(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now, []ServicePerformance{
		{ServiceID: "steady-svc", PriceMicros: 1000, LastOrderAt: now, CreatedAt: now},
	})

	entries, err := eng.RunDailyPriceLoop()
	require.Nil(t, err)
	require.Len(t, entries, 0)
	require.Len(t, emitter.events, 0)
}
