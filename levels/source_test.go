package levels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paddyflow/paddyflow/farm"
)

type fakeSensor struct {
	rows  []SensorReading
	err   error
	calls int
}

func (f *fakeSensor) FetchWaterLevels(_ context.Context, _ string) ([]SensorReading, error) {
	f.calls++
	return f.rows, f.err
}

func sensorFarm(t *testing.T) *farm.Config {
	t.Helper()
	var wl = 30.0
	var cfg = farm.Config{
		FarmID: "farm-1",
		Segments: []farm.Segment{
			{ID: "S1", CanalID: "C1", DistanceRank: 1},
		},
		Gates: []farm.Gate{
			{ID: "S1-G1", Kind: farm.GateFieldInlet},
			{ID: "S1-G2", Kind: farm.GateFieldInlet},
		},
		Fields: []farm.Field{
			{ID: "S1-G1-F1", SectionID: 101, AreaMu: 50, SegmentID: "S1", InletGateID: "S1-G1", WaterLevelMM: &wl},
			{ID: "S1-G2-F1", SectionID: 102, AreaMu: 50, SegmentID: "S1", InletGateID: "S1-G2"},
		},
	}
	require.NoError(t, farm.FinishConfig(&cfg))
	return &cfg
}

func newTestResolver(api SensorAPI) (*Resolver, *Store) {
	var store = newTestStore()
	var r = NewResolver(api, store, DefaultResolverConfig())
	r.now = store.now
	return r, store
}

func TestResolveFromAPI(t *testing.T) {
	var cfg = sensorFarm(t)
	var api = &fakeSensor{rows: []SensorReading{
		// Sensor rows key by numeric sectionID; resolution maps them back.
		{SectionID: 101, WaterLevelMM: 55, SensorID: "sen-a"},
		{SectionID: 102, WaterLevelMM: 62, SensorID: "sen-b"},
	}}
	var r, store = newTestResolver(api)

	var res, err = r.Resolve(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.FromAPI)
	require.Zero(t, res.FromCache)
	require.Zero(t, res.FromConfig)
	require.False(t, res.FetchSkipped)

	var reading = res.Readings["S1-G1-F1"]
	require.Equal(t, 55.0, reading.ValueMM)
	require.Equal(t, SourceAPI, reading.Source)
	require.Equal(t, QualityExcellent, reading.Quality)
	// Confidence: base 0.4, sensor id +0.2, value in range +0.2; no timestamp.
	require.InDelta(t, 0.8, reading.Confidence, 1e-9)

	var stored, ok = store.Latest("S1-G2-F1")
	require.True(t, ok)
	require.Equal(t, 62.0, stored.ValueMM)
}

func TestResolveThrottlesFetch(t *testing.T) {
	var cfg = sensorFarm(t)
	var api = &fakeSensor{rows: []SensorReading{{SectionID: 101, WaterLevelMM: 55}}}
	var r, _ = newTestResolver(api)

	var _, err = r.Resolve(context.Background(), cfg, []string{"S1-G1-F1"})
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)

	// Within the throttle interval the API is skipped; the cache serves.
	res, err := r.Resolve(context.Background(), cfg, []string{"S1-G1-F1"})
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)
	require.True(t, res.FetchSkipped)
	require.Equal(t, 1, res.FromCache)

	var reading = res.Readings["S1-G1-F1"]
	require.Equal(t, SourceCached, reading.Source)
	require.Equal(t, 55.0, reading.ValueMM)
}

func TestResolveFallsBackToConfig(t *testing.T) {
	var cfg = sensorFarm(t)
	var api = &fakeSensor{err: errors.New("sensor offline")}
	var r, _ = newTestResolver(api)

	var res, err = r.Resolve(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.FetchErr)
	require.Zero(t, res.FromAPI)

	// S1-G1-F1 has a configured static level; S1-G2-F1 has none at all.
	require.Equal(t, 1, res.FromConfig)
	var reading, ok = res.Readings["S1-G1-F1"]
	require.True(t, ok)
	require.Equal(t, SourceConfig, reading.Source)
	require.Equal(t, QualityFair, reading.Quality)
	require.Equal(t, 30.0, reading.ValueMM)
	require.InDelta(t, 0.5, reading.Confidence, 1e-9)

	_, ok = res.Readings["S1-G2-F1"]
	require.False(t, ok)
}

func TestResolveNilAPISkipsFetch(t *testing.T) {
	var cfg = sensorFarm(t)
	var r, _ = newTestResolver(nil)

	var res, err = r.Resolve(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.True(t, res.FetchSkipped)
	require.Equal(t, 1, res.FromConfig)
}

func TestResolveRejectsOutOfBandRows(t *testing.T) {
	var cfg = sensorFarm(t)
	var api = &fakeSensor{rows: []SensorReading{
		{SectionID: 101, WaterLevelMM: 1200}, // beyond the admissible band
	}}
	var r, store = newTestResolver(api)

	var res, err = r.Resolve(context.Background(), cfg, []string{"S1-G1-F1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Rejected)
	require.Zero(t, res.FromAPI)

	// The rejected row never reaches the store; the config default serves.
	require.Equal(t, 1, res.FromConfig)
	var stored, ok = store.Latest("S1-G1-F1")
	require.True(t, ok)
	require.Equal(t, SourceConfig, stored.Source)
}

func TestAddManual(t *testing.T) {
	var r, store = newTestResolver(nil)
	require.NoError(t, r.AddManual("S1-G1-F1", 47))

	var reading, ok = store.Latest("S1-G1-F1")
	require.True(t, ok)
	require.Equal(t, SourceManual, reading.Source)
	require.Equal(t, QualityGood, reading.Quality)
	require.InDelta(t, 0.9, reading.Confidence, 1e-9)

	require.Error(t, r.AddManual("S1-G1-F1", 2000))
}

func TestResolveCacheAgeBound(t *testing.T) {
	var cfg = sensorFarm(t)
	var r, store = newTestResolver(nil)

	// A reading older than MaxCacheAge cannot serve from cache.
	require.NoError(t, store.Add(Reading{
		FieldID:   "S1-G1-F1",
		ValueMM:   80,
		Timestamp: testEpoch.Add(-25 * time.Hour),
		Source:    SourceAPI,
	}))

	var res, err = r.Resolve(context.Background(), cfg, []string{"S1-G1-F1"})
	require.NoError(t, err)
	require.Zero(t, res.FromCache)
	require.Equal(t, 1, res.FromConfig)
	require.Equal(t, 30.0, res.Readings["S1-G1-F1"].ValueMM)
}
