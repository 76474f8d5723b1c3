package plan

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/farm"
)

// Options select the pump subset, zone filter, and reading-resolution mode
// of one build.
type Options struct {
	// ActivePumps overrides the config's active-pump subset. Empty defers
	// to the config (which itself defaults to all pumps).
	ActivePumps []string
	// AllowedZones restricts planning to the named segments. Empty defers
	// to the config.
	AllowedZones []string
	// Levels optionally supplies realtime water levels by field id,
	// overriding the configured static levels. Fields absent from the map
	// fall back to their configured level.
	Levels map[string]float64
}

// capacityEpsMu absorbs rounding error at the capacity boundary, so a batch
// which fills the envelope exactly is not split over a sub-milli-mu residue.
const capacityEpsMu = 1e-3

// Build transforms the farm configuration and a per-field water-level
// snapshot into a batched, time-scheduled plan. Zero eligible fields yield
// an empty but well-formed plan; Build never fails on missing optional data.
func Build(cfg *farm.Config, opts Options) (*Plan, error) {
	var pumps = activePumps(cfg, opts)
	var qAvail = lo.SumBy(pumps, farm.Pump.EffectiveFlow)
	var perMu = PerMuM3PerMM * cfg.TargetDepthMM

	var p = &Plan{
		FarmID: cfg.FarmID,
		Calc: Calc{
			QAvail:      qAvail,
			TWinH:       cfg.TimeWindowH,
			DTargetMM:   cfg.TargetDepthMM,
			ActivePumps: lo.Map(pumps, func(p farm.Pump, _ int) string { return p.Name }),
		},
		Totals: Totals{PumpRuntimeH: map[string]float64{}},
	}
	if qAvail <= 0 || perMu <= 0 {
		return p, nil
	}
	p.Calc.ACoverMu = qAvail * cfg.TimeWindowH / perMu

	// Reachability, zone filter, and eligibility.
	var reachable = reachableSegments(cfg, p.Calc.ActivePumps, allowedZones(cfg, opts))
	var eligible []eligibleField
	for i := range cfg.Fields {
		var f = &cfg.Fields[i]
		var seg, ok = reachable[f.SegmentID]
		if !ok {
			continue
		}
		var wl, known = fieldLevel(f, opts.Levels)
		if !known {
			p.Calc.SkippedNullWLFields = append(p.Calc.SkippedNullWLFields, f.ID)
			continue
		}
		eligible = append(eligible, eligibleField{field: f, segment: seg, wlMM: wl})
	}
	sort.Strings(p.Calc.SkippedNullWLFields)
	p.Calc.SkippedNullWLCount = len(p.Calc.SkippedNullWLFields)

	// Stable distance ordering: water routes from the pump outward.
	sort.SliceStable(eligible, func(i, j int) bool {
		var a, b = eligible[i], eligible[j]
		if a.segment.DistanceRank != b.segment.DistanceRank {
			return a.segment.DistanceRank < b.segment.DistanceRank
		}
		if a.field.DistanceRank != b.field.DistanceRank {
			return a.field.DistanceRank < b.field.DistanceRank
		}
		return a.field.ID < b.field.ID
	})

	// Greedy area fill against the coverage envelope.
	var current *Batch
	for _, ef := range eligible {
		if ef.field.AreaMu > p.Calc.ACoverMu {
			log.WithFields(log.Fields{"field": ef.field.ID, "area": ef.field.AreaMu}).
				Warn("field exceeds one-window coverage; scheduling it alone")
		}
		if current == nil || current.AreaMu+ef.field.AreaMu > p.Calc.ACoverMu+capacityEpsMu {
			p.Batches = append(p.Batches, Batch{Index: len(p.Batches) + 1})
			current = &p.Batches[len(p.Batches)-1]
		}
		current.Fields = append(current.Fields, BatchField{
			ID:          ef.field.ID,
			SegmentID:   ef.field.SegmentID,
			InletGateID: ef.field.InletGateID,
			AreaMu:      ef.field.AreaMu,
			WLMM:        ef.wlMM,
			TargetMM:    ef.field.WLOptMM,
		})
		current.AreaMu += ef.field.AreaMu
	}

	// Timing, stats, and command emission; batches run back-to-back.
	var cursor float64
	for i := range p.Batches {
		var b = &p.Batches[i]
		var eta = b.AreaMu * perMu / qAvail
		b.Stats = BatchStats{
			DeficitVolM3: lo.SumBy(b.Fields, func(f BatchField) float64 {
				return Deficit(f.AreaMu, f.WLMM, f.TargetMM)
			}),
			CapVolM3: b.AreaMu * perMu,
			EtaHours: eta,
		}
		p.Steps = append(p.Steps, buildStep(cfg, b, p.Calc.ActivePumps, cursor, cursor+eta))
		cursor += eta

		p.Totals.TotalDeficitM3 += b.Stats.DeficitVolM3
	}
	p.Totals.TotalEtaH = cursor

	for _, pump := range pumps {
		p.Totals.PumpRuntimeH[pump.Name] = cursor
		p.Totals.ElectricityCost += cursor * pump.PowerKW * pump.ElectricityPrice
	}
	return p, nil
}

type eligibleField struct {
	field   *farm.Field
	segment *farm.Segment
	wlMM    float64
}

func activePumps(cfg *farm.Config, opts Options) []farm.Pump {
	if len(opts.ActivePumps) == 0 {
		return cfg.ActivePumpSet()
	}
	var out []farm.Pump
	for _, name := range opts.ActivePumps {
		if p, ok := cfg.Pump(name); ok {
			out = append(out, *p)
		}
	}
	return out
}

func allowedZones(cfg *farm.Config, opts Options) []string {
	if len(opts.AllowedZones) != 0 {
		return opts.AllowedZones
	}
	return cfg.AllowedZones
}

// reachableSegments returns the segments an active pump can feed, after the
// zone filter. A segment without a feed-by list is reachable from any pump.
func reachableSegments(cfg *farm.Config, active []string, zones []string) map[string]*farm.Segment {
	var activeSet = lo.SliceToMap(active, func(n string) (string, struct{}) { return n, struct{}{} })
	var zoneSet map[string]struct{}
	if len(zones) != 0 {
		zoneSet = lo.SliceToMap(zones, func(z string) (string, struct{}) { return z, struct{}{} })
	}

	var out = make(map[string]*farm.Segment)
	for i := range cfg.Segments {
		var s = &cfg.Segments[i]
		if len(s.FeedBy) != 0 {
			var fed = lo.SomeBy(s.FeedBy, func(n string) bool {
				var _, ok = activeSet[n]
				return ok
			})
			if !fed {
				continue
			}
		}
		if zoneSet != nil {
			if _, ok := zoneSet[s.ID]; !ok {
				continue
			}
		}
		out[s.ID] = s
	}
	return out
}

// fieldLevel resolves a field's water level: the realtime override when
// present, else the configured static level. NaN counts as unknown.
func fieldLevel(f *farm.Field, levels map[string]float64) (float64, bool) {
	if wl, ok := levels[f.ID]; ok {
		return wl, !math.IsNaN(wl)
	}
	if !f.HasKnownLevel() {
		return 0, false
	}
	return *f.WaterLevelMM, true
}

// buildStep emits the batch's commands: pump starts in active order, then
// regulator settings ordered upstream-first, then field-inlet opens, then
// pump stops in reverse order.
func buildStep(cfg *farm.Config, b *Batch, pumps []string, tStart, tEnd float64) Step {
	var step = Step{
		Label:   fmt.Sprintf("batch-%d", b.Index),
		TStartH: tStart,
		TEndH:   tEnd,
	}

	for _, name := range pumps {
		step.Commands = append(step.Commands, Command{
			Action: ActionStart, Target: name, Kind: TargetPump, TStartH: tStart, TEndH: tEnd,
		})
		step.Sequence.PumpsOn = append(step.Sequence.PumpsOn, name)
	}

	for _, gs := range regulatorSettings(cfg, b.Fields) {
		var pct = gs.OpenPct
		step.Commands = append(step.Commands, Command{
			Action: ActionSet, Target: gs.GateID, Kind: TargetRegulator,
			ValuePct: &pct, TStartH: tStart, TEndH: tEnd,
		})
		step.Sequence.GatesSet = append(step.Sequence.GatesSet, gs)
	}

	// Several fields can share one inlet gate; open each gate once.
	var opened = make(map[string]struct{})
	for _, f := range b.Fields {
		step.Sequence.Fields = append(step.Sequence.Fields, f.ID)
		if _, dup := opened[f.InletGateID]; dup {
			continue
		}
		opened[f.InletGateID] = struct{}{}
		step.Commands = append(step.Commands, Command{
			Action: ActionOpen, Target: f.InletGateID, Kind: TargetFieldInlet,
			TStartH: tStart, TEndH: tEnd,
		})
		step.Sequence.GatesOpen = append(step.Sequence.GatesOpen, f.InletGateID)
	}

	for i := len(pumps) - 1; i >= 0; i-- {
		step.Commands = append(step.Commands, Command{
			Action: ActionStop, Target: pumps[i], Kind: TargetPump, TStartH: tStart, TEndH: tEnd,
		})
		step.Sequence.PumpsOff = append(step.Sequence.PumpsOff, pumps[i])
	}

	step.FullOrder = lo.Map(step.Commands, func(c Command, _ int) string { return c.Label() })
	return step
}
