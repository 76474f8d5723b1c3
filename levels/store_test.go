package levels

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	var s = NewStore(DefaultQualityThresholds())
	s.now = func() time.Time { return testEpoch }
	return s
}

func TestStoreRejectsOutOfBand(t *testing.T) {
	var s = newTestStore()
	for _, mm := range []float64{-5, 1000.5, math.NaN()} {
		var err = s.Add(Reading{FieldID: "S1-G1-F1", ValueMM: mm, Source: SourceAPI})
		require.ErrorIs(t, err, ErrInvalidReading)
	}
	require.ErrorIs(t, s.Add(Reading{ValueMM: 50}), ErrInvalidReading)

	var _, ok = s.Latest("S1-G1-F1")
	require.False(t, ok)

	// Boundary values are admissible.
	require.NoError(t, s.Add(Reading{FieldID: "S1-G1-F1", ValueMM: 0, Source: SourceAPI}))
	require.NoError(t, s.Add(Reading{FieldID: "S1-G1-F1", ValueMM: 1000, Source: SourceAPI}))
}

func TestStoreQualityStamping(t *testing.T) {
	var cases = []struct {
		source Source
		age    time.Duration
		want   Quality
	}{
		{SourceAPI, 10 * time.Minute, QualityExcellent},
		{SourceAPI, 3 * time.Hour, QualityGood},
		{SourceAPI, 12 * time.Hour, QualityFair},
		{SourceAPI, 30 * time.Hour, QualityPoor},
		{SourceCached, 10 * time.Minute, QualityGood}, // only API reaches excellent
		{SourceCached, 30 * time.Hour, QualityPoor},
		{SourceManual, time.Hour, QualityGood},
		{SourceManual, 3 * time.Hour, QualityFair},
		{SourceConfig, 0, QualityFair},
		{SourceInterpolated, 0, QualityFair},
	}
	for _, tc := range cases {
		var s = newTestStore()
		require.NoError(t, s.Add(Reading{
			FieldID:   "S1-G1-F1",
			ValueMM:   50,
			Timestamp: testEpoch.Add(-tc.age),
			Source:    tc.source,
		}))
		var r, ok = s.Latest("S1-G1-F1")
		require.True(t, ok)
		require.Equal(t, tc.want, r.Quality, "%s aged %s", tc.source, tc.age)
	}
}

func TestStoreNewestFirstOrdering(t *testing.T) {
	var s = newTestStore()

	// Admit out of chronological order; the head must still be the newest.
	for _, ageH := range []int{3, 1, 5, 2} {
		require.NoError(t, s.Add(Reading{
			FieldID:   "S1-G1-F1",
			ValueMM:   float64(ageH * 10),
			Timestamp: testEpoch.Add(-time.Duration(ageH) * time.Hour),
			Source:    SourceAPI,
		}))
	}

	var r, ok = s.Latest("S1-G1-F1")
	require.True(t, ok)
	require.Equal(t, 10.0, r.ValueMM)

	var h = s.histories["S1-G1-F1"]
	require.Len(t, h.Readings, 4)
	for i := 1; i < len(h.Readings); i++ {
		require.False(t, h.Readings[i].Timestamp.After(h.Readings[i-1].Timestamp))
	}
}

func TestStoreHistoryCap(t *testing.T) {
	var s = newTestStore()
	for i := 0; i < HistoryCap+20; i++ {
		require.NoError(t, s.Add(Reading{
			FieldID:   "S1-G1-F1",
			ValueMM:   float64(i % 100),
			Timestamp: testEpoch.Add(-time.Duration(i) * time.Minute),
			Source:    SourceAPI,
		}))
	}
	require.Len(t, s.histories["S1-G1-F1"].Readings, HistoryCap)

	// The cap evicts from the old end, keeping the newest.
	var r, _ = s.Latest("S1-G1-F1")
	require.Equal(t, testEpoch, r.Timestamp)
}

func TestStoreTrend(t *testing.T) {
	var s = newTestStore()

	var _, ok = s.Trend("S1-G1-F1", 6*time.Hour)
	require.False(t, ok)

	// Rising 10 mm per hour.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Add(Reading{
			FieldID:   "S1-G1-F1",
			ValueMM:   float64(100 - i*10),
			Timestamp: testEpoch.Add(-time.Duration(i) * time.Hour),
			Source:    SourceAPI,
		}))
	}
	var slope, ok2 = s.Trend("S1-G1-F1", 6*time.Hour)
	require.True(t, ok2)
	require.InDelta(t, 10.0, slope, 1e-9)

	// A single sample within the window is not a trend.
	_, ok = s.Trend("S1-G1-F1", 30*time.Minute)
	require.False(t, ok)

	// Zero time-span yields no trend.
	var s2 = newTestStore()
	for _, mm := range []float64{40, 50} {
		require.NoError(t, s2.Add(Reading{
			FieldID: "S1-G1-F2", ValueMM: mm, Timestamp: testEpoch, Source: SourceAPI,
		}))
	}
	_, ok = s2.Trend("S1-G1-F2", time.Hour)
	require.False(t, ok)
}

func TestStorePersistLoad(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "levels.json")

	var s = newTestStore()
	require.NoError(t, s.Add(Reading{
		FieldID: "S1-G1-F1", ValueMM: 42, Timestamp: testEpoch.Add(-time.Hour), Source: SourceAPI,
	}))
	require.NoError(t, s.Persist(path))

	var loaded = newTestStore()
	require.NoError(t, loaded.Load(path))
	var r, ok = loaded.Latest("S1-G1-F1")
	require.True(t, ok)
	require.Equal(t, 42.0, r.ValueMM)
	require.Equal(t, SourceAPI, r.Source)
	require.Equal(t, s.LastUpdated(), loaded.LastUpdated())
}

func TestStoreLoadMissingFile(t *testing.T) {
	var s = newTestStore()
	require.NoError(t, s.Load(filepath.Join(t.TempDir(), "absent.json")))
	var _, ok = s.Latest("anything")
	require.False(t, ok)
}
