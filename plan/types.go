// Package plan builds irrigation plans: ordered batches of fields paired
// with the pump, regulator, and field-inlet commands that irrigate them
// within a pump-capacity × time-window envelope.
package plan

import "fmt"

// PerMuM3PerMM is the water volume in m³ required to raise one mu of paddy
// by one millimeter under the simple volumetric model.
const PerMuM3PerMM = 0.666667

// Action is a declarative device verb.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionSet   Action = "set"
)

// TargetKind classifies a command's target device.
type TargetKind string

const (
	TargetPump       TargetKind = "pump"
	TargetRegulator  TargetKind = "regulator"
	TargetFieldInlet TargetKind = "field_inlet"
)

// Command is one declarative device command within a step's window. The
// dispatcher maps commands to device calls.
type Command struct {
	Action   Action     `json:"action"`
	Target   string     `json:"target"`
	Kind     TargetKind `json:"kind"`
	ValuePct *float64   `json:"value,omitempty"`
	TStartH  float64    `json:"t_start_h"`
	TEndH    float64    `json:"t_end_h"`
}

// Label renders the command's stable identity used by FullOrder.
func (c Command) Label() string {
	if c.ValuePct != nil {
		return fmt.Sprintf("%s %s=%g", c.Action, c.Target, *c.ValuePct)
	}
	return fmt.Sprintf("%s %s", c.Action, c.Target)
}

// GateSetting is a regulator open-percent decision.
type GateSetting struct {
	GateID  string  `json:"gate_id"`
	OpenPct float64 `json:"open_pct"`
}

// Sequence is the structured projection of a step's commands which the
// executor consumes.
type Sequence struct {
	PumpsOn   []string      `json:"pumps_on"`
	GatesOpen []string      `json:"gates_open"`
	GatesSet  []GateSetting `json:"gates_set"`
	Fields    []string      `json:"fields"`
	PumpsOff  []string      `json:"pumps_off"`
}

// BatchField is a field's membership record within a batch, carrying the
// water level observed at build time.
type BatchField struct {
	ID          string  `json:"id"`
	SegmentID   string  `json:"segment_id"`
	InletGateID string  `json:"inlet_gate_id"`
	AreaMu      float64 `json:"area_mu"`
	WLMM        float64 `json:"wl_mm"`
	TargetMM    float64 `json:"target_mm"`
}

// BatchStats summarize one batch's water budget.
type BatchStats struct {
	DeficitVolM3 float64 `json:"deficit_vol_m3"`
	CapVolM3     float64 `json:"cap_vol_m3"`
	EtaHours     float64 `json:"eta_hours"`
}

// Batch is a set of fields irrigated together within one envelope.
type Batch struct {
	Index  int          `json:"index"` // 1-based
	Fields []BatchField `json:"fields"`
	AreaMu float64      `json:"area_mu"`
	Stats  BatchStats   `json:"stats"`
}

// Step is the timed command projection of one batch, aligned by index.
type Step struct {
	Label     string    `json:"label"`
	TStartH   float64   `json:"t_start_h"`
	TEndH     float64   `json:"t_end_h"`
	Commands  []Command `json:"commands"`
	Sequence  Sequence  `json:"sequence"`
	FullOrder []string  `json:"full_order"`
}

// Calc is the plan's global calculation block.
type Calc struct {
	ACoverMu            float64  `json:"A_cover_mu"`
	QAvail              float64  `json:"q_avail"`
	TWinH               float64  `json:"t_win_h"`
	DTargetMM           float64  `json:"d_target_mm"`
	ActivePumps         []string `json:"active_pumps"`
	SkippedNullWLFields []string `json:"skipped_null_wl_fields"`
	SkippedNullWLCount  int      `json:"skipped_null_wl_count"`
}

// Totals aggregate the plan.
type Totals struct {
	TotalEtaH       float64            `json:"total_eta_h"`
	TotalDeficitM3  float64            `json:"total_deficit_m3"`
	PumpRuntimeH    map[string]float64 `json:"total_pump_runtime_hours"`
	ElectricityCost float64            `json:"total_electricity_cost"`
}

// Plan is the complete build artifact. Plans are rebuilt on demand, never
// mutated in place.
type Plan struct {
	FarmID  string  `json:"farm_id"`
	Calc    Calc    `json:"calc"`
	Batches []Batch `json:"batches"`
	Steps   []Step  `json:"steps"`
	Totals  Totals  `json:"totals"`
}

// Deficit returns a field's water deficit in m³: the volume required to lift
// it from |wlMM| to |targetMM|, or zero when already at target.
func Deficit(areaMu, wlMM, targetMM float64) float64 {
	if wlMM >= targetMM {
		return 0
	}
	return (targetMM - wlMM) * areaMu * PerMuM3PerMM
}
