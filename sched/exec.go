// Package sched drives the execution of one irrigation plan: a single
// cooperative loop advances every batch through its state machine, refreshes
// water levels before each batch fires, regenerates its commands against the
// now-current state, dispatches device commands, and watches field
// completion so devices close bottom-up.
package sched

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/plan"
)

// ErrNotFound marks caller errors: no loaded plan, or a batch index out of
// range. The scheduler is left unchanged.
var ErrNotFound = errors.New("not found")

// ErrBadTransition marks an illegal batch state transition. The transition
// is refused, logged, and never performed.
var ErrBadTransition = errors.New("illegal batch state transition")

// BatchStatus is the per-batch execution state.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchPreparing BatchStatus = "preparing"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further transition may occur.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// transitions are monotone: forward through the lifecycle, or to a terminal
// failure state. Any non-terminal state may cancel.
var transitions = map[BatchStatus][]BatchStatus{
	BatchPending:   {BatchPreparing, BatchCancelled},
	BatchPreparing: {BatchExecuting, BatchFailed, BatchCancelled},
	BatchExecuting: {BatchCompleted, BatchFailed, BatchCancelled},
}

// GlobalStatus is the whole-plan execution state.
type GlobalStatus string

const (
	StatusIdle      GlobalStatus = "idle"
	StatusRunning   GlobalStatus = "running"
	StatusCompleted GlobalStatus = "completed"
	StatusError     GlobalStatus = "error"
	StatusCancelled GlobalStatus = "cancelled"
)

// LogEntry records one batch lifecycle event.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// BatchExecution is the mutable execution record of one batch. It mutates
// only through transition, which appends a log entry per change.
type BatchExecution struct {
	BatchIndex        int                `json:"batch_index"`
	Status            BatchStatus        `json:"status"`
	OriginalStartH    float64            `json:"original_start_h"`
	OriginalEndH      float64            `json:"original_end_h"`
	CurrentStartH     float64            `json:"current_start_h"`
	CurrentEndH       float64            `json:"current_end_h"`
	WaterLevelsAtPrep map[string]float64 `json:"water_levels_at_prep,omitempty"`
	UpdatedCommands   []plan.Command     `json:"updated_commands,omitempty"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	Log               []LogEntry         `json:"log"`
	Err               string             `json:"error,omitempty"`
}

// transition moves the batch to |to|, refusing anything outside the state
// machine. Refusal is an invariant violation by the caller, not a state
// change: the batch keeps its current status.
func (b *BatchExecution) transition(to BatchStatus, at time.Time, msg string) error {
	var legal = false
	for _, next := range transitions[b.Status] {
		legal = legal || next == to
	}
	if !legal {
		log.WithFields(log.Fields{
			"batch": b.BatchIndex,
			"from":  b.Status,
			"to":    to,
		}).Error("refusing illegal batch transition")
		return fmt.Errorf("%w: batch %d %s -> %s", ErrBadTransition, b.BatchIndex, b.Status, to)
	}
	b.Status = to
	b.Log = append(b.Log, LogEntry{At: at, Message: fmt.Sprintf("-> %s: %s", to, msg)})
	return nil
}

// ExecutionState is the per-running-plan record.
type ExecutionState struct {
	ID              string                  `json:"execution_id"`
	FarmID          string                  `json:"farm_id"`
	Plan            *plan.Plan              `json:"-"`
	StartedAt       time.Time               `json:"started_at"`
	Status          GlobalStatus            `json:"status"`
	Batches         map[int]*BatchExecution `json:"batches"`
	LastLevelUpdate time.Time               `json:"last_level_update"`
}

// newExecutionState seeds one BatchExecution per plan batch, pending, with
// the plan's original step times.
func newExecutionState(id string, p *plan.Plan, farmID string, at time.Time) *ExecutionState {
	var state = &ExecutionState{
		ID:        id,
		FarmID:    farmID,
		Plan:      p,
		StartedAt: at,
		Status:    StatusRunning,
		Batches:   make(map[int]*BatchExecution, len(p.Batches)),
	}
	for i, step := range p.Steps {
		state.Batches[i+1] = &BatchExecution{
			BatchIndex:     i + 1,
			Status:         BatchPending,
			OriginalStartH: step.TStartH,
			OriginalEndH:   step.TEndH,
			CurrentStartH:  step.TStartH,
			CurrentEndH:    step.TEndH,
		}
	}
	return state
}
