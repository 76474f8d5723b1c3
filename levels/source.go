package levels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/farm"
)

// ErrSensorUnavailable wraps sensor API failures and timeouts. They are
// non-fatal: the fallback chain proceeds and the outcome is recorded on the
// Resolution.
var ErrSensorUnavailable = errors.New("sensor API unavailable")

// SensorReading is one row of a sensor API response. Rows may identify the
// field by SGF id or by numeric sectionID.
type SensorReading struct {
	FieldID      string     `json:"field_id,omitempty"`
	SectionID    int        `json:"sectionID,omitempty"`
	WaterLevelMM float64    `json:"waterlevel_mm"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	SensorID     string     `json:"sensor_id,omitempty"`
}

// SensorAPI fetches live water levels for a farm. Implementations are
// supplied by the host.
type SensorAPI interface {
	FetchWaterLevels(ctx context.Context, farmID string) ([]SensorReading, error)
}

// ResolverConfig tunes the fallback chain.
type ResolverConfig struct {
	// MinFetchInterval throttles live fetches; a Resolve within the
	// interval of the previous fetch skips the API entirely.
	MinFetchInterval time.Duration
	// FetchTimeout bounds one live fetch.
	FetchTimeout time.Duration
	// MaxCacheAge bounds how stale a cached reading may be and still serve
	// a field the live fetch missed.
	MaxCacheAge time.Duration
}

// DefaultResolverConfig returns the documented defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MinFetchInterval: 5 * time.Minute,
		FetchTimeout:     30 * time.Second,
		MaxCacheAge:      24 * time.Hour,
	}
}

type fetchRecord struct {
	at  time.Time
	err error
}

// Resolver resolves "latest readings for farm" through the ordered fallback
// chain: throttled live fetch, then cache within MaxCacheAge, then the farm
// config's static defaults. Every admitted reading flows into the Store.
type Resolver struct {
	api    SensorAPI
	store  *Store
	config ResolverConfig
	now    func() time.Time
	// recent records the last fetch per farm; entries expire at the
	// throttle interval, so a live entry means "skip the API".
	recent *expirable.LRU[string, fetchRecord]
}

// NewResolver builds a Resolver over the given sensor API and store. A nil
// |api| disables live fetching; the chain then starts at the cache.
func NewResolver(api SensorAPI, store *Store, config ResolverConfig) *Resolver {
	return &Resolver{
		api:    api,
		store:  store,
		config: config,
		now:    time.Now,
		recent: expirable.NewLRU[string, fetchRecord](16, nil, config.MinFetchInterval),
	}
}

// Resolution reports how a Resolve call was satisfied.
type Resolution struct {
	FarmID       string             `json:"farm_id"`
	FromAPI      int                `json:"from_api"`
	FromCache    int                `json:"from_cache"`
	FromConfig   int                `json:"from_config"`
	Rejected     int                `json:"rejected"`
	FetchSkipped bool               `json:"fetch_skipped"`
	FetchErr     string             `json:"fetch_err,omitempty"`
	Readings     map[string]Reading `json:"readings"`
}

// Resolve runs the fallback chain for |fieldIDs| (nil means every field of
// the farm) and returns the per-field readings which planning may use.
func (r *Resolver) Resolve(ctx context.Context, cfg *farm.Config, fieldIDs []string) (Resolution, error) {
	if fieldIDs == nil {
		for _, f := range cfg.Fields {
			fieldIDs = append(fieldIDs, f.ID)
		}
	}
	var out = Resolution{
		FarmID:   cfg.FarmID,
		Readings: make(map[string]Reading, len(fieldIDs)),
	}

	// 1. Live fetch, unless throttled.
	if r.api == nil {
		out.FetchSkipped = true
	} else if _, throttled := r.recent.Get(cfg.FarmID); throttled {
		out.FetchSkipped = true
		sensorFetches.WithLabelValues("throttled").Inc()
	} else if err := r.fetchLive(ctx, cfg, fieldIDs, &out); err != nil {
		out.FetchErr = err.Error()
		log.WithFields(log.Fields{"farm": cfg.FarmID, "err": err}).
			Warn("sensor fetch failed; falling back")
	}

	// 2. Cache, for fields the fetch missed.
	var now = r.now()
	for _, id := range fieldIDs {
		if _, ok := out.Readings[id]; ok {
			continue
		}
		var cached, ok = r.store.Latest(id)
		if !ok || cached.AgeAt(now) > r.config.MaxCacheAge {
			continue
		}
		cached.Source = SourceCached
		cached.Quality = r.store.thresholds.Qualify(SourceCached, cached.AgeAt(now))
		out.Readings[id] = cached
		out.FromCache++
	}

	// 3. Config static default, for fields still missing.
	for _, id := range fieldIDs {
		if _, ok := out.Readings[id]; ok {
			continue
		}
		var f, ok = cfg.Field(id)
		if !ok || !f.HasKnownLevel() {
			continue
		}
		var reading = Reading{
			FieldID:    id,
			ValueMM:    *f.WaterLevelMM,
			Timestamp:  now,
			Source:     SourceConfig,
			Confidence: 0.5,
			Provenance: map[string]string{"origin": "farm config static default"},
		}
		if err := r.store.Add(reading); err != nil {
			out.Rejected++
			continue
		}
		reading.Quality = QualityFair
		out.Readings[id] = reading
		out.FromConfig++
	}

	log.WithFields(log.Fields{
		"farm":    cfg.FarmID,
		"api":     out.FromAPI,
		"cache":   out.FromCache,
		"config":  out.FromConfig,
		"skipped": out.FetchSkipped,
	}).Debug("resolved water levels")

	return out, nil
}

// fetchLive performs one throttled, bounded sensor fetch and admits its rows.
func (r *Resolver) fetchLive(ctx context.Context, cfg *farm.Config, fieldIDs []string, out *Resolution) error {
	var fetchCtx, cancel = context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	var rows, err = r.api.FetchWaterLevels(fetchCtx, cfg.FarmID)
	r.recent.Add(cfg.FarmID, fetchRecord{at: r.now(), err: err})
	if err != nil {
		sensorFetches.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	sensorFetches.WithLabelValues("ok").Inc()

	// Sensor rows may be keyed by numeric sectionID; convert at the boundary.
	var bySection = make(map[string]string, len(cfg.Fields))
	for _, f := range cfg.Fields {
		bySection[strconv.Itoa(f.SectionID)] = f.ID
	}
	var wanted = make(map[string]struct{}, len(fieldIDs))
	for _, id := range fieldIDs {
		wanted[id] = struct{}{}
	}

	var now = r.now()
	for _, row := range rows {
		var id = row.FieldID
		if id == "" {
			id = bySection[strconv.Itoa(row.SectionID)]
		}
		if id == "" {
			continue
		}
		if _, ok := wanted[id]; !ok {
			continue
		}

		var ts = now
		if row.Timestamp != nil {
			ts = *row.Timestamp
		}
		var reading = Reading{
			FieldID:    id,
			ValueMM:    row.WaterLevelMM,
			Timestamp:  ts,
			Source:     SourceAPI,
			Confidence: sensorConfidence(row),
			Provenance: map[string]string{"sensor_id": row.SensorID},
		}
		if err := r.store.Add(reading); err != nil {
			// Out-of-band values are always dropped, never admitted.
			out.Rejected++
			continue
		}
		reading.Quality = r.store.thresholds.Qualify(SourceAPI, reading.AgeAt(now))
		out.Readings[id] = reading
		out.FromAPI++
	}
	return nil
}

// AddManual admits a manually observed reading, timestamped now.
func (r *Resolver) AddManual(fieldID string, valueMM float64) error {
	return r.store.Add(Reading{
		FieldID:    fieldID,
		ValueMM:    valueMM,
		Timestamp:  r.now(),
		Source:     SourceManual,
		Confidence: 0.9,
	})
}

// sensorConfidence grades a sensor row by payload completeness.
func sensorConfidence(row SensorReading) float64 {
	var c = 0.4
	if row.Timestamp != nil {
		c += 0.2
	}
	if row.SensorID != "" {
		c += 0.2
	}
	if row.WaterLevelMM >= MinValueMM && row.WaterLevelMM <= MaxValueMM {
		c += 0.2
	}
	return c
}
