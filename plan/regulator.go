package plan

import (
	"sort"

	"github.com/paddyflow/paddyflow/farm"
)

// regulatorSettings decides, for one batch, which regulator gates open and
// which close, so that water routes from the pump to exactly the batch's
// fields. A segment participates when it holds a batch field or any main
// regulator. For a regulator with within-segment sequence k:
//
//   - main regulator: open iff some batch field on a *different* segment has
//     an inlet sequence ≤ k (water must pass this gate to leave the main
//     canal at or before it);
//   - branch regulator: open iff some batch field on *this* segment has an
//     inlet sequence ≥ k (water must pass this gate to travel down-branch).
//
// Settings order upstream-first: by segment distance-rank, then sequence.
func regulatorSettings(cfg *farm.Config, batchFields []BatchField) []GateSetting {
	var bySegment = make(map[string][]int) // segment id -> inlet sequences of batch fields
	for _, f := range batchFields {
		var _, seq, err = farm.ParseGateID(f.InletGateID)
		if err != nil {
			continue
		}
		bySegment[f.SegmentID] = append(bySegment[f.SegmentID], seq)
	}

	type keyed struct {
		setting GateSetting
		rank    int
		seq     int
	}
	var out []keyed

	for i := range cfg.Segments {
		var seg = &cfg.Segments[i]
		var _, hasField = bySegment[seg.ID]
		var hasMain = segmentHasMainRegulator(cfg, seg)
		if !hasField && !hasMain {
			continue
		}

		for _, gid := range seg.RegulatorGateIDs {
			var gate, ok = cfg.Gate(gid)
			if !ok || !gate.IsRegulator() {
				continue
			}
			var _, k, err = farm.ParseGateID(gid)
			if err != nil {
				continue
			}

			var open bool
			if gate.Kind == farm.GateMainRegulator {
				for otherSeg, seqs := range bySegment {
					if otherSeg == seg.ID {
						continue
					}
					for _, s := range seqs {
						open = open || s <= k
					}
				}
			} else {
				for _, s := range bySegment[seg.ID] {
					open = open || s >= k
				}
			}

			var pct = 0.0
			if open {
				pct = 100.0
			}
			out = append(out, keyed{
				setting: GateSetting{GateID: gid, OpenPct: pct},
				rank:    seg.DistanceRank,
				seq:     k,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].seq < out[j].seq
	})

	var settings = make([]GateSetting, len(out))
	for i, k := range out {
		settings[i] = k.setting
	}
	return settings
}

func segmentHasMainRegulator(cfg *farm.Config, seg *farm.Segment) bool {
	for _, gid := range seg.RegulatorGateIDs {
		if g, ok := cfg.Gate(gid); ok && g.Kind == farm.GateMainRegulator {
			return true
		}
	}
	return false
}
