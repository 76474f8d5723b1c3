// Package levels ingests, qualifies, stores, and serves field water-level
// readings. It backs both the plan builder (a consistent snapshot at build
// time) and the batch executor (fresh readings at each prepare tick).
package levels

import (
	"math"
	"time"
)

// Source identifies where a reading came from.
type Source string

const (
	SourceAPI          Source = "API"
	SourceManual       Source = "manual"
	SourceConfig       Source = "config"
	SourceInterpolated Source = "interpolated"
	SourceCached       Source = "cached"
)

// Quality is the derived five-value grade of a reading.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityInvalid   Quality = "invalid"
)

// Readings outside this band are never admitted to planning.
const (
	MinValueMM = 0.0
	MaxValueMM = 1000.0
)

// Reading is one field water-level observation.
type Reading struct {
	FieldID    string            `json:"field_id"`
	ValueMM    float64           `json:"value_mm"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     Source            `json:"source"`
	Quality    Quality           `json:"quality"`
	Confidence float64           `json:"confidence"`
	Provenance map[string]string `json:"provenance,omitempty"`
}

// InBounds reports whether the reading value lies in the admissible band.
func (r Reading) InBounds() bool {
	return !math.IsNaN(r.ValueMM) && r.ValueMM >= MinValueMM && r.ValueMM <= MaxValueMM
}

// AgeAt returns the reading's age relative to |now|, floored at zero.
func (r Reading) AgeAt(now time.Time) time.Duration {
	var age = now.Sub(r.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// QualityThresholds are the age cut-offs of the quality derivation.
type QualityThresholds struct {
	Excellent time.Duration // Readings no older than this may grade excellent.
	Good      time.Duration
	Fair      time.Duration
	ManualGood time.Duration // Manual readings within this grade good.
}

// DefaultQualityThresholds matches the documented anchors: API within one
// hour grades excellent, anything cached beyond a day grades poor.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		Excellent:  time.Hour,
		Good:       6 * time.Hour,
		Fair:       24 * time.Hour,
		ManualGood: 2 * time.Hour,
	}
}

// Qualify derives quality from source and age. The derivation is total: every
// in-bounds reading receives a non-invalid grade.
func (t QualityThresholds) Qualify(source Source, age time.Duration) Quality {
	switch source {
	case SourceConfig:
		return QualityFair
	case SourceInterpolated:
		return QualityFair
	case SourceManual:
		if age <= t.ManualGood {
			return QualityGood
		}
		return QualityFair
	}

	// API and cached readings grade by age; only API may reach excellent.
	switch {
	case age <= t.Excellent:
		if source == SourceAPI {
			return QualityExcellent
		}
		return QualityGood
	case age <= t.Good:
		return QualityGood
	case age <= t.Fair:
		return QualityFair
	default:
		return QualityPoor
	}
}
