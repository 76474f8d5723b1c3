package levels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HistoryCap bounds the per-field reading ring.
const HistoryCap = 100

// ErrInvalidReading is returned for readings which cannot be admitted:
// out-of-band values, NaN, or a missing field id.
var ErrInvalidReading = errors.New("invalid water-level reading")

// FieldHistory is the newest-first ring of readings for one field.
type FieldHistory struct {
	FieldID     string    `json:"field_id"`
	Readings    []Reading `json:"readings"`
	LastUpdated time.Time `json:"last_updated"`
}

// Latest returns the newest reading, if any.
func (h *FieldHistory) Latest() (Reading, bool) {
	if len(h.Readings) == 0 {
		return Reading{}, false
	}
	return h.Readings[0], true
}

// Store maintains per-field reading histories. It is safe for concurrent
// use; its mutex is never held across I/O.
type Store struct {
	mu         sync.Mutex
	thresholds QualityThresholds
	now        func() time.Time
	histories  map[string]*FieldHistory
	updatedAt  time.Time
}

// NewStore builds an empty Store with the given quality thresholds.
func NewStore(thresholds QualityThresholds) *Store {
	return &Store{
		thresholds: thresholds,
		now:        time.Now,
		histories:  make(map[string]*FieldHistory),
	}
}

// Add validates |r|, stamps its quality from source and age, and inserts it
// newest-first into the field's history. Readings beyond HistoryCap evict
// from the old end. Out-of-band or NaN values are rejected, never admitted.
func (s *Store) Add(r Reading) error {
	if r.FieldID == "" {
		readingsRejected.WithLabelValues(string(r.Source), "missing_field_id").Inc()
		return fmt.Errorf("%w: missing field id", ErrInvalidReading)
	}
	if !r.InBounds() {
		readingsRejected.WithLabelValues(string(r.Source), "out_of_bounds").Inc()
		return fmt.Errorf("%w: field %s value %v outside [%v, %v] mm",
			ErrInvalidReading, r.FieldID, r.ValueMM, MinValueMM, MaxValueMM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var now = s.now()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Quality = s.thresholds.Qualify(r.Source, r.AgeAt(now))

	var h, ok = s.histories[r.FieldID]
	if !ok {
		h = &FieldHistory{FieldID: r.FieldID}
		s.histories[r.FieldID] = h
	}

	// Insert ordered by timestamp, newest first. Two readings may arrive out
	// of order; the newer timestamp wins the head slot regardless.
	var at = sort.Search(len(h.Readings), func(i int) bool {
		return !h.Readings[i].Timestamp.After(r.Timestamp)
	})
	h.Readings = append(h.Readings, Reading{})
	copy(h.Readings[at+1:], h.Readings[at:])
	h.Readings[at] = r

	if len(h.Readings) > HistoryCap {
		h.Readings = h.Readings[:HistoryCap]
	}
	h.LastUpdated = now
	s.updatedAt = now

	readingsAdmitted.WithLabelValues(string(r.Source), string(r.Quality)).Inc()
	return nil
}

// Latest returns the newest admitted reading of a field.
func (s *Store) Latest(fieldID string) (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h, ok = s.histories[fieldID]
	if !ok {
		return Reading{}, false
	}
	return h.Latest()
}

// LastUpdated is the wall-clock instant of the most recent admission.
func (s *Store) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Trend fits a least-squares line through the field's readings within
// |window| of now and returns its slope in mm/h. It returns ok=false with
// fewer than two samples in the window, or a zero time-span.
func (s *Store) Trend(fieldID string, window time.Duration) (slopeMMPerH float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h, found = s.histories[fieldID]
	if !found {
		return 0, false
	}
	var cutoff = s.now().Add(-window)

	var ts []float64 // hours
	var vs []float64 // mm
	for _, r := range h.Readings {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		ts = append(ts, r.Timestamp.Sub(cutoff).Hours())
		vs = append(vs, r.ValueMM)
	}
	if len(ts) < 2 {
		return 0, false
	}

	var n = float64(len(ts))
	var sumT, sumV, sumTV, sumTT float64
	for i := range ts {
		sumT += ts[i]
		sumV += vs[i]
		sumTV += ts[i] * vs[i]
		sumTT += ts[i] * ts[i]
	}
	var denom = n*sumTT - sumT*sumT
	if denom == 0 {
		return 0, false
	}
	return (n*sumTV - sumT*sumV) / denom, true
}

// persistedState is the cache file layout. It is not an inter-process
// interface; the only reader is Load.
type persistedState struct {
	UpdatedAt time.Time                `json:"last_updated"`
	Histories map[string]*FieldHistory `json:"histories"`
}

// Persist writes the store's full state to a single JSON file. The cache
// survives restarts but is never authoritative over fresher sources.
func (s *Store) Persist(path string) error {
	s.mu.Lock()
	var state = persistedState{
		UpdatedAt: s.updatedAt,
		Histories: make(map[string]*FieldHistory, len(s.histories)),
	}
	for id, h := range s.histories {
		var cp = *h
		cp.Readings = append([]Reading(nil), h.Readings...)
		state.Histories[id] = &cp
	}
	s.mu.Unlock()

	var raw, err = json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding water-level cache: %w", err)
	}
	if err = os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing water-level cache: %w", err)
	}
	log.WithFields(log.Fields{"path": path, "fields": len(state.Histories)}).
		Debug("persisted water-level cache")
	return nil
}

// Load replaces the store's state from a cache file previously written by
// Persist. A missing file is not an error; the store simply starts empty.
func (s *Store) Load(path string) error {
	var raw, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading water-level cache: %w", err)
	}

	var state persistedState
	if err = json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decoding water-level cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = state.UpdatedAt
	s.histories = state.Histories
	if s.histories == nil {
		s.histories = make(map[string]*FieldHistory)
	}
	for id, h := range s.histories {
		if len(h.Readings) > HistoryCap {
			h.Readings = h.Readings[:HistoryCap]
		}
		if h.FieldID == "" {
			h.FieldID = id
		}
	}
	return nil
}
