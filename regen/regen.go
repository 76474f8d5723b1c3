// Package regen re-derives the commands of a single batch from fresh
// water-level readings, without re-running full planning. It emits typed
// change records and rejects regenerations whose cumulative adjustment
// exceeds the validation bounds.
package regen

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/plan"
)

// ErrRejected wraps regenerations whose cumulative time or water adjustment
// exceeds the validation bounds. The original commands are retained.
var ErrRejected = errors.New("batch regeneration rejected")

// Options bound the regeneration.
type Options struct {
	// MaxDurationAdjustmentRatio caps the per-valve duration factor at
	// [1-r, 1+r].
	MaxDurationAdjustmentRatio float64
	// MinIrrigationDuration and MaxIrrigationDuration are absolute sanity
	// bounds on an adjusted duration.
	MinIrrigationDuration time.Duration
	MaxIrrigationDuration time.Duration
	// ToleranceMM: a field at or above target+tolerance has its
	// contribution cancelled.
	ToleranceMM float64
	// Validation bounds over the whole batch.
	MaxTimeAdjustment    time.Duration
	MaxWaterAdjustmentM3 float64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxDurationAdjustmentRatio: 0.5,
		MinIrrigationDuration:      10 * time.Minute,
		MaxIrrigationDuration:      24 * time.Hour,
		ToleranceMM:                5,
		MaxTimeAdjustment:          time.Hour,
		MaxWaterAdjustmentM3:       100,
	}
}

// ChangeType enumerates the semantic deltas a regeneration can produce.
type ChangeType string

const (
	ChangeDurationAdjusted ChangeType = "duration_adjusted"
	ChangeFlowRateAdjusted ChangeType = "flow_rate_adjusted"
	ChangeTimingShifted    ChangeType = "timing_shifted"
	ChangeFieldAdded       ChangeType = "field_added"
	ChangeFieldRemoved     ChangeType = "field_removed"
	ChangeBatchSplit       ChangeType = "batch_split"
	ChangeBatchMerged      ChangeType = "batch_merged"
	ChangeCancelled        ChangeType = "cancelled"
)

// Impact grades the relative magnitude of a change.
type Impact string

const (
	ImpactMinimal     Impact = "minimal"
	ImpactModerate    Impact = "moderate"
	ImpactSignificant Impact = "significant"
	ImpactCritical    Impact = "critical"
)

// ImpactOf grades a relative change magnitude (0.1 = 10%).
func ImpactOf(rel float64) Impact {
	rel = math.Abs(rel)
	switch {
	case rel < 0.05:
		return ImpactMinimal
	case rel < 0.15:
		return ImpactModerate
	case rel < 0.35:
		return ImpactSignificant
	default:
		return ImpactCritical
	}
}

// Change is one typed semantic delta of a regeneration.
type Change struct {
	Type     ChangeType `json:"type"`
	Impact   Impact     `json:"impact"`
	FieldID  string     `json:"field_id,omitempty"`
	GateID   string     `json:"gate_id,omitempty"`
	OldValue float64    `json:"old_value"`
	NewValue float64    `json:"new_value"`
	Detail   string     `json:"detail"`
}

// LevelChange pairs a field's build-time and fresh water levels.
type LevelChange struct {
	OldMM float64 `json:"old_mm"`
	NewMM float64 `json:"new_mm"`
}

// Result is the outcome of one batch regeneration.
type Result struct {
	Success                  bool                   `json:"success"`
	OriginalCommands         []plan.Command         `json:"original_commands"`
	RegeneratedCommands      []plan.Command         `json:"regenerated_commands"`
	Changes                  []Change               `json:"changes"`
	WaterLevelChanges        map[string]LevelChange `json:"water_level_changes"`
	ExecutionTimeAdjustmentS float64                `json:"execution_time_adjustment_s"`
	TotalWaterAdjustmentM3   float64                `json:"total_water_adjustment_m3"`
	Err                      string                 `json:"error,omitempty"`
}

// FieldStandard is a per-field irrigation target, patchable by callers via
// an RFC 7396 merge patch (custom standards).
type FieldStandard struct {
	TargetMM    float64 `json:"target_mm"`
	ToleranceMM float64 `json:"tolerance_mm"`
}

// Regenerator rebuilds one batch's commands from fresh readings.
type Regenerator struct {
	opts Options
}

// New builds a Regenerator.
func New(opts Options) *Regenerator {
	return &Regenerator{opts: opts}
}

// RegenerateBatch recomputes the valve-deficit-adjusted commands of batch
// |batchIndex| (1-based) of |p| against |newLevels|. |customStandards|, when
// non-nil, is an RFC 7396 merge patch over the per-field standards document
// {"<field-id>": {"target_mm": ..., "tolerance_mm": ...}, ...}.
func (r *Regenerator) RegenerateBatch(p *plan.Plan, batchIndex int, newLevels map[string]float64, customStandards json.RawMessage) (Result, error) {
	if batchIndex < 1 || batchIndex > len(p.Batches) || batchIndex > len(p.Steps) {
		return Result{}, fmt.Errorf("batch index %d out of range [1, %d]", batchIndex, len(p.Batches))
	}
	var batch = &p.Batches[batchIndex-1]
	var step = &p.Steps[batchIndex-1]

	var standards, err = r.standards(batch, customStandards)
	if err != nil {
		return Result{}, err
	}

	var out = Result{
		OriginalCommands:  append([]plan.Command(nil), step.Commands...),
		WaterLevelChanges: make(map[string]LevelChange),
	}
	var regenerated = append([]plan.Command(nil), step.Commands...)

	// First pass: adjust the valve (field-inlet) commands by deficit.
	var origEnd = step.TEndH - step.TStartH
	var newEnd float64
	var sawValve bool
	for i := range regenerated {
		var c = &regenerated[i]
		var origDur = c.TEndH - c.TStartH

		if c.Kind != plan.TargetFieldInlet || c.Action != plan.ActionOpen {
			continue
		}
		sawValve = true

		// The valve controls every batch field behind this inlet gate.
		var origDeficit, newDeficit float64
		var allCancelled = true
		var controlled = 0
		for _, f := range batch.Fields {
			if f.InletGateID != c.Target {
				continue
			}
			controlled++
			var std = standards[f.ID]
			var newWL, ok = newLevels[f.ID]
			if !ok {
				newWL = f.WLMM
			}
			out.WaterLevelChanges[f.ID] = LevelChange{OldMM: f.WLMM, NewMM: newWL}

			if newWL >= std.TargetMM+std.ToleranceMM {
				out.Changes = append(out.Changes, Change{
					Type:     ChangeCancelled,
					Impact:   ImpactCritical,
					FieldID:  f.ID,
					GateID:   c.Target,
					OldValue: f.WLMM,
					NewValue: newWL,
					Detail:   "field at or above target; contribution cancelled",
				})
				continue
			}
			allCancelled = false
			origDeficit += plan.Deficit(f.AreaMu, f.WLMM, std.TargetMM)
			newDeficit += plan.Deficit(f.AreaMu, newWL, std.TargetMM)
		}
		if controlled == 0 {
			newEnd = max(newEnd, c.TEndH-step.TStartH)
			continue
		}

		if allCancelled {
			c.Action = plan.ActionClose
			c.TEndH = c.TStartH
			continue
		}

		var factor = 1.0
		switch {
		case origDeficit > 0:
			factor = newDeficit / origDeficit
		case newDeficit > 0:
			factor = 1 + r.opts.MaxDurationAdjustmentRatio
		}
		factor = math.Min(math.Max(factor, 1-r.opts.MaxDurationAdjustmentRatio), 1+r.opts.MaxDurationAdjustmentRatio)

		var newDur = origDur
		if factor != 1 {
			newDur = origDur * factor
			newDur = math.Max(newDur, r.opts.MinIrrigationDuration.Hours())
			newDur = math.Min(newDur, r.opts.MaxIrrigationDuration.Hours())
		}
		if newDur != origDur {
			out.Changes = append(out.Changes, Change{
				Type:     ChangeDurationAdjusted,
				Impact:   ImpactOf((newDur - origDur) / origDur),
				GateID:   c.Target,
				OldValue: origDur,
				NewValue: newDur,
				Detail:   fmt.Sprintf("valve window scaled by %.3f on deficit %.1f -> %.1f m3", factor, origDeficit, newDeficit),
			})
		}
		c.TEndH = c.TStartH + newDur
		newEnd = max(newEnd, c.TEndH-step.TStartH)

		out.TotalWaterAdjustmentM3 += newDeficit - origDeficit
	}
	if !sawValve {
		newEnd = origEnd
	}

	// Second pass: the pump and regulator windows track the adjusted step
	// end, so a shrunken deficit shortens the whole step.
	for i := range regenerated {
		var c = &regenerated[i]
		if c.Kind == plan.TargetFieldInlet {
			continue
		}
		c.TEndH = step.TStartH + newEnd
	}

	out.ExecutionTimeAdjustmentS = (newEnd - origEnd) * 3600
	if newEnd != origEnd && origEnd > 0 {
		out.Changes = append(out.Changes, Change{
			Type:     ChangeTimingShifted,
			Impact:   ImpactOf((newEnd - origEnd) / origEnd),
			OldValue: origEnd,
			NewValue: newEnd,
			Detail:   "step end moved by duration adjustment",
		})
	}

	// Validation: an adjustment this large means the plan, not the batch,
	// must be rebuilt. Originals are retained.
	if math.Abs(out.ExecutionTimeAdjustmentS) > r.opts.MaxTimeAdjustment.Seconds() ||
		math.Abs(out.TotalWaterAdjustmentM3) > r.opts.MaxWaterAdjustmentM3 {
		out.Success = false
		out.RegeneratedCommands = out.OriginalCommands
		out.Err = fmt.Sprintf("adjustment exceeds bounds: %+.0fs, %+.1f m3",
			out.ExecutionTimeAdjustmentS, out.TotalWaterAdjustmentM3)
		log.WithFields(log.Fields{
			"batch":    batchIndex,
			"time_s":   out.ExecutionTimeAdjustmentS,
			"water_m3": out.TotalWaterAdjustmentM3,
		}).Warn("batch regeneration rejected")
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Err)
	}

	out.Success = true
	out.RegeneratedCommands = regenerated
	return out, nil
}

// standards resolves the per-field standards of a batch, applying the
// caller's merge patch when present.
func (r *Regenerator) standards(batch *plan.Batch, patch json.RawMessage) (map[string]FieldStandard, error) {
	var base = make(map[string]FieldStandard, len(batch.Fields))
	for _, f := range batch.Fields {
		base[f.ID] = FieldStandard{TargetMM: f.TargetMM, ToleranceMM: r.opts.ToleranceMM}
	}
	if len(patch) == 0 {
		return base, nil
	}

	var doc, err = json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encoding standards: %w", err)
	}
	doc, err = jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("applying custom standards patch: %w", err)
	}
	var merged map[string]FieldStandard
	if err = json.Unmarshal(doc, &merged); err != nil {
		return nil, fmt.Errorf("decoding patched standards: %w", err)
	}
	return merged, nil
}
