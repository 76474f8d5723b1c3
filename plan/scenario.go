package plan

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/farm"
)

// Scenario is one plan built under a specific pump subset, decorated with
// its runtime, cost, and coverage.
type Scenario struct {
	Name            string             `json:"scenario_name"`
	Plan            *Plan              `json:"plan"`
	PumpRuntimeH    map[string]float64 `json:"pump_runtime_h"`
	ElectricityCost float64            `json:"electricity_cost"`
	CoveredSegments int                `json:"covered_segments"`
	TotalSegments   int                `json:"total_segments"`
	EligibleFields  int                `json:"eligible_fields"`
}

// ScenarioSet is the multi-scenario output artifact.
type ScenarioSet struct {
	Scenarios []Scenario `json:"scenarios"`
}

// BuildScenarios runs the builder once per meaningful pump subset: each
// single active pump, plus the full combination when more than one pump is
// active. Subsets whose eligible-field count falls below |minFields| are
// skipped.
func BuildScenarios(cfg *farm.Config, opts Options, minFields int) (*ScenarioSet, error) {
	var pumps = activePumps(cfg, opts)
	if len(pumps) == 0 {
		return nil, fmt.Errorf("no active pumps to enumerate scenarios over")
	}

	var subsets [][]string
	for _, p := range pumps {
		subsets = append(subsets, []string{p.Name})
	}
	if len(pumps) > 1 {
		subsets = append(subsets, lo.Map(pumps, func(p farm.Pump, _ int) string { return p.Name }))
	}

	var set = &ScenarioSet{}
	for _, subset := range subsets {
		var subOpts = opts
		subOpts.ActivePumps = subset

		var p, err = Build(cfg, subOpts)
		if err != nil {
			return nil, fmt.Errorf("building scenario %v: %w", subset, err)
		}
		var eligible = lo.SumBy(p.Batches, func(b Batch) int { return len(b.Fields) })
		if eligible < minFields {
			log.WithFields(log.Fields{"pumps": subset, "eligible": eligible, "min": minFields}).
				Debug("skipping scenario below field threshold")
			continue
		}

		var covered = make(map[string]struct{})
		for _, b := range p.Batches {
			for _, f := range b.Fields {
				covered[f.SegmentID] = struct{}{}
			}
		}

		set.Scenarios = append(set.Scenarios, Scenario{
			Name:            scenarioName(subset),
			Plan:            p,
			PumpRuntimeH:    p.Totals.PumpRuntimeH,
			ElectricityCost: p.Totals.ElectricityCost,
			CoveredSegments: len(covered),
			TotalSegments:   len(cfg.Segments),
			EligibleFields:  eligible,
		})
	}
	return set, nil
}

func scenarioName(pumps []string) string {
	if len(pumps) == 1 {
		return "pump:" + pumps[0]
	}
	return "all:" + strings.Join(pumps, "+")
}

// Comparison names the minimum-cost, minimum-time, and balanced scenarios.
type Comparison struct {
	MinCost  string `json:"min_cost"`
	MinTime  string `json:"min_time"`
	Balanced string `json:"balanced"`
}

// CompareScenarios picks the cheapest, the fastest, and a balanced choice
// scored by the average of normalized cost and normalized time.
func CompareScenarios(set *ScenarioSet) (Comparison, error) {
	if len(set.Scenarios) == 0 {
		return Comparison{}, fmt.Errorf("no scenarios to compare")
	}

	var maxCost, maxTime float64
	for _, s := range set.Scenarios {
		maxCost = max(maxCost, s.ElectricityCost)
		maxTime = max(maxTime, s.Plan.Totals.TotalEtaH)
	}

	var out Comparison
	var bestCost, bestTime, bestBalanced = -1.0, -1.0, -1.0
	for _, s := range set.Scenarios {
		var cost = s.ElectricityCost
		var eta = s.Plan.Totals.TotalEtaH

		if bestCost < 0 || cost < bestCost {
			bestCost, out.MinCost = cost, s.Name
		}
		if bestTime < 0 || eta < bestTime {
			bestTime, out.MinTime = eta, s.Name
		}

		var score float64
		if maxCost > 0 {
			score += cost / maxCost
		}
		if maxTime > 0 {
			score += eta / maxTime
		}
		score /= 2
		if bestBalanced < 0 || score < bestBalanced {
			bestBalanced, out.Balanced = score, s.Name
		}
	}
	return out, nil
}
