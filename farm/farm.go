// Package farm holds the typed in-memory model of a single farm: pumps,
// canal segments, regulator gates, fields, and the immutable configuration
// snapshot that planning and execution run against. The package is pure
// data; it performs no I/O beyond configuration loading.
package farm

import (
	"math"
	"strconv"
)

// Pump is a pump station. Immutable after load.
type Pump struct {
	Name             string  `json:"name" yaml:"name"`
	RatedFlowM3PerH  float64 `json:"q_rated_m3ph" yaml:"q_rated_m3ph"`
	Efficiency       float64 `json:"efficiency" yaml:"efficiency"`
	PowerKW          float64 `json:"power_kw" yaml:"power_kw"`
	ElectricityPrice float64 `json:"electricity_price" yaml:"electricity_price"`
}

// EffectiveFlow is the pump's deliverable flow in m³/h.
func (p Pump) EffectiveFlow() float64 {
	return p.RatedFlowM3PerH * p.Efficiency
}

// SegmentKind distinguishes main canal sections from branch sections.
type SegmentKind string

const (
	SegmentMain   SegmentKind = "main"
	SegmentBranch SegmentKind = "branch"
)

// Segment is one canal section. Gates and fields reference segments by id;
// there are no back-pointers.
type Segment struct {
	ID               string      `json:"id" yaml:"id"`
	CanalID          string      `json:"canal_id" yaml:"canal_id"`
	Kind             SegmentKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	DistanceRank     int         `json:"distance_rank" yaml:"distance_rank"`
	RegulatorGateIDs []string    `json:"regulator_gate_ids" yaml:"regulator_gate_ids"`
	// FeedBy names the pumps which can feed this segment. An empty list
	// means the segment is reachable from any pump (matching the source
	// system's behavior; see DESIGN.md).
	FeedBy []string `json:"feed_by,omitempty" yaml:"feed_by,omitempty"`
}

// GateKind enumerates the device roles a gate can play.
type GateKind string

const (
	GateMainRegulator   GateKind = "main-regulator"
	GateBranchRegulator GateKind = "branch-regulator"
	GateFieldInlet      GateKind = "field-inlet"
	GateFieldDrain      GateKind = "field-drain"
	GateInOut           GateKind = "inout"
	GatePumpValve       GateKind = "pump-valve"
)

// Gate is a controllable water gate. Its id encodes the owning segment and a
// monotone within-segment sequence, e.g. "S3-G7".
type Gate struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        GateKind `json:"type" yaml:"type"`
	MaxFlowM3PH float64  `json:"q_max_m3ph" yaml:"q_max_m3ph"`
}

// IsRegulator reports whether the plan builder treats this gate as a
// regulator. Only main and branch regulators qualify.
func (g Gate) IsRegulator() bool {
	return g.Kind == GateMainRegulator || g.Kind == GateBranchRegulator
}

// Field is one paddy plot. WaterLevelMM is nil when the level is unknown,
// which excludes the field from planning.
type Field struct {
	ID            string   `json:"id" yaml:"id"`
	SectionID     int      `json:"sectionID" yaml:"sectionID"`
	AreaMu        float64  `json:"area_mu" yaml:"area_mu"`
	SegmentID     string   `json:"segment_id" yaml:"segment_id"`
	InletGateID   string   `json:"inlet_G_id" yaml:"inlet_G_id"`
	DistanceRank  int      `json:"distance_rank" yaml:"distance_rank"`
	WaterLevelMM  *float64 `json:"wl_mm,omitempty" yaml:"wl_mm,omitempty"`
	WLLowMM       float64  `json:"wl_low" yaml:"wl_low"`
	WLOptMM       float64  `json:"wl_opt" yaml:"wl_opt"`
	WLHighMM      float64  `json:"wl_high" yaml:"wl_high"`
	HasDrainGate  bool     `json:"has_drain_gate" yaml:"has_drain_gate"`
	RelToRegulator string  `json:"rel_to_regulator,omitempty" yaml:"rel_to_regulator,omitempty"`
}

// HasKnownLevel reports whether the field carries a usable water level.
func (f Field) HasKnownLevel() bool {
	return f.WaterLevelMM != nil && !math.IsNaN(*f.WaterLevelMM)
}

// Config is the immutable farm snapshot which planning runs against.
// Entities are held in flat keyed tables and resolved by id lookup.
type Config struct {
	FarmID        string    `json:"farm_id" yaml:"farm_id"`
	TimeWindowH   float64   `json:"t_win_h" yaml:"t_win_h"`
	TargetDepthMM float64   `json:"d_target_mm" yaml:"d_target_mm"`
	Pumps         []Pump    `json:"pumps" yaml:"pumps"`
	Segments      []Segment `json:"segments" yaml:"segments"`
	Gates         []Gate    `json:"gates" yaml:"gates"`
	Fields        []Field   `json:"fields" yaml:"fields"`
	// ActivePumps restricts planning to a subset of Pumps. Empty means all.
	ActivePumps []string `json:"active_pumps,omitempty" yaml:"active_pumps,omitempty"`
	// AllowedZones optionally restricts planning to the named segments.
	AllowedZones []string `json:"allowed_zones,omitempty" yaml:"allowed_zones,omitempty"`

	pumpIndex    map[string]int
	segmentIndex map[string]int
	gateIndex    map[string]int
	fieldIndex   map[string]int
}

// index (re)builds the id lookup tables. Called by LoadConfig and by tests
// which assemble a Config literal.
func (c *Config) index() {
	c.pumpIndex = make(map[string]int, len(c.Pumps))
	for i, p := range c.Pumps {
		c.pumpIndex[p.Name] = i
	}
	c.segmentIndex = make(map[string]int, len(c.Segments))
	for i, s := range c.Segments {
		c.segmentIndex[s.ID] = i
	}
	c.gateIndex = make(map[string]int, len(c.Gates))
	for i, g := range c.Gates {
		c.gateIndex[g.ID] = i
	}
	c.fieldIndex = make(map[string]int, len(c.Fields))
	for i, f := range c.Fields {
		c.fieldIndex[f.ID] = i
	}
}

// Pump resolves a pump by name.
func (c *Config) Pump(name string) (*Pump, bool) {
	if c.pumpIndex == nil {
		c.index()
	}
	var i, ok = c.pumpIndex[name]
	if !ok {
		return nil, false
	}
	return &c.Pumps[i], true
}

// Segment resolves a segment by id.
func (c *Config) Segment(id string) (*Segment, bool) {
	if c.segmentIndex == nil {
		c.index()
	}
	var i, ok = c.segmentIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Segments[i], true
}

// Gate resolves a gate by id.
func (c *Config) Gate(id string) (*Gate, bool) {
	if c.gateIndex == nil {
		c.index()
	}
	var i, ok = c.gateIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Gates[i], true
}

// Field resolves a field by its SGF id.
func (c *Config) Field(id string) (*Field, bool) {
	if c.fieldIndex == nil {
		c.index()
	}
	var i, ok = c.fieldIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Fields[i], true
}

// FieldsOfSegment returns the fields owned by a segment, in declaration order.
func (c *Config) FieldsOfSegment(segmentID string) []*Field {
	var out []*Field
	for i := range c.Fields {
		if c.Fields[i].SegmentID == segmentID {
			out = append(out, &c.Fields[i])
		}
	}
	return out
}

// ActivePumpSet resolves the active pump subset, defaulting to all pumps.
func (c *Config) ActivePumpSet() []Pump {
	if len(c.ActivePumps) == 0 {
		return c.Pumps
	}
	var out []Pump
	for _, name := range c.ActivePumps {
		if p, ok := c.Pump(name); ok {
			out = append(out, *p)
		}
	}
	return out
}

// SectionAliases maps each field's SGF id to its numeric sectionID rendering.
// Used by the water-level summary when callers ask for numeric ids.
func (c *Config) SectionAliases() map[string]string {
	var out = make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		out[f.ID] = strconv.Itoa(f.SectionID)
	}
	return out
}
