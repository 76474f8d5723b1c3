package sched

import (
	"fmt"

	"github.com/paddyflow/paddyflow/dispatch"
	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/levels"
	"github.com/paddyflow/paddyflow/plan"
)

// Close-out priorities: field inlets close before regulators, regulators
// before pumps, so closures propagate bottom-up.
const (
	priorityCloseInlet     = 1
	priorityCloseRegulator = 2
	priorityStopPump       = 3
)

// monitor watches live readings during a batch's execution and decides the
// bottom-up close-out commands. It is owned and serialized by the scheduler
// driver.
type monitor struct {
	toleranceMM float64
	doneFields  map[string]bool
	closedGates map[string]bool
	stopped     map[string]bool
	// overrides hold manual water levels, used until the next live API
	// reading for the field supersedes them.
	overrides map[string]float64
}

func newMonitor(toleranceMM float64) *monitor {
	return &monitor{
		toleranceMM: toleranceMM,
		doneFields:  make(map[string]bool),
		closedGates: make(map[string]bool),
		stopped:     make(map[string]bool),
		overrides:   make(map[string]float64),
	}
}

// setOverride installs a manual water level for a field.
func (m *monitor) setOverride(fieldID string, valueMM float64) {
	m.overrides[fieldID] = valueMM
}

// observe lets fresh live readings supersede manual overrides.
func (m *monitor) observe(res levels.Resolution) {
	for id, r := range res.Readings {
		if r.Source == levels.SourceAPI {
			delete(m.overrides, id)
		}
	}
}

// fieldLevel resolves a field's current level: manual override first, then
// the latest resolved reading.
func (m *monitor) fieldLevel(fieldID string, readings map[string]levels.Reading) (float64, bool) {
	if mm, ok := m.overrides[fieldID]; ok {
		return mm, true
	}
	if r, ok := readings[fieldID]; ok {
		return r.ValueMM, true
	}
	return 0, false
}

// check marks newly completed fields of the batch and returns the close-out
// commands now due: inlet closes for gates whose fields are all done, then
// regulator closes for segments fully done. A field completes at
// target − tolerance; exactly at the boundary counts as done.
func (m *monitor) check(p *plan.Plan, batchIndex int, readings map[string]levels.Reading) (allDone bool, cmds []dispatch.Command) {
	var batch = &p.Batches[batchIndex-1]
	var step = &p.Steps[batchIndex-1]

	for _, f := range batch.Fields {
		if m.doneFields[f.ID] {
			continue
		}
		var level, ok = m.fieldLevel(f.ID, readings)
		if ok && level >= f.TargetMM-m.toleranceMM {
			m.doneFields[f.ID] = true
		}
	}

	// Close each inlet gate once every field behind it is done.
	var byGate = make(map[string][]plan.BatchField)
	var bySegment = make(map[string][]plan.BatchField)
	for _, f := range batch.Fields {
		byGate[f.InletGateID] = append(byGate[f.InletGateID], f)
		bySegment[f.SegmentID] = append(bySegment[f.SegmentID], f)
	}
	for _, f := range batch.Fields {
		var gate = f.InletGateID
		if m.closedGates[gate] || !m.allDone(byGate[gate]) {
			continue
		}
		m.closedGates[gate] = true
		cmds = append(cmds, dispatch.Command{
			DeviceType:  dispatch.DeviceFieldInlet,
			DeviceID:    gate,
			Action:      string(plan.ActionClose),
			Phase:       dispatch.PhaseWrapup,
			Priority:    priorityCloseInlet,
			Reason:      "fields at target",
			Description: fmt.Sprintf("close inlet of %s", f.ID),
		})
	}

	// Close a segment's opened regulators once all its batch fields are done.
	for _, gs := range step.Sequence.GatesSet {
		if gs.OpenPct <= 0 || m.closedGates[gs.GateID] {
			continue
		}
		var seg = segmentOfGate(gs.GateID)
		var fields, hasFields = bySegment[seg]
		if !hasFields || !m.allDone(fields) {
			continue
		}
		m.closedGates[gs.GateID] = true
		cmds = append(cmds, dispatch.Command{
			DeviceType:  dispatch.DeviceRegulator,
			DeviceID:    gs.GateID,
			Action:      string(plan.ActionClose),
			Phase:       dispatch.PhaseWrapup,
			Priority:    priorityCloseRegulator,
			Reason:      "segment complete",
			Description: fmt.Sprintf("close regulator %s of segment %s", gs.GateID, seg),
		})
	}

	return m.allDone(batch.Fields), cmds
}

// stopPump emits a stop command once per pump.
func (m *monitor) stopPump(name string) (dispatch.Command, bool) {
	if m.stopped[name] {
		return dispatch.Command{}, false
	}
	m.stopped[name] = true
	return dispatch.Command{
		DeviceType:  dispatch.DevicePump,
		DeviceID:    name,
		Action:      string(plan.ActionStop),
		Phase:       dispatch.PhaseWrapup,
		Priority:    priorityStopPump,
		Reason:      "all batches using pump complete",
		Description: fmt.Sprintf("stop pump %s", name),
	}, true
}

func (m *monitor) allDone(fields []plan.BatchField) bool {
	for _, f := range fields {
		if !m.doneFields[f.ID] {
			return false
		}
	}
	return true
}

// segmentOfGate resolves a gate id to its owning segment; a malformed id
// yields an empty segment which matches nothing.
func segmentOfGate(gateID string) string {
	var seg, _, err = farm.ParseGateID(gateID)
	if err != nil {
		return ""
	}
	return seg
}
