package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/dispatch"
	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/levels"
	"github.com/paddyflow/paddyflow/plan"
	"github.com/paddyflow/paddyflow/regen"
)

// LevelSource resolves current water levels for a set of fields. Satisfied
// by *levels.Resolver; tests inject fakes.
type LevelSource interface {
	Resolve(ctx context.Context, cfg *farm.Config, fieldIDs []string) (levels.Resolution, error)
}

// BatchRegenerator rebuilds one batch's commands from fresh readings.
// Satisfied by *regen.Regenerator.
type BatchRegenerator interface {
	RegenerateBatch(p *plan.Plan, batchIndex int, newLevels map[string]float64, customStandards json.RawMessage) (regen.Result, error)
}

// Options tune the scheduler loop.
type Options struct {
	// TickInterval is the driver cadence. It must be at most MaxTickInterval.
	TickInterval time.Duration
	// PreBuffer is how long before its window a batch enters preparing.
	PreBuffer time.Duration
	// ToleranceMM is the completion tolerance under a field's target.
	ToleranceMM float64
	// Realtime enables live water-level resolution at prepare and during
	// execution. Disabled, batches run on their build-time levels.
	Realtime bool
	// Clock is injectable for tests.
	Clock func() time.Time
}

// MaxTickInterval bounds the loop cadence at one tick per 30 seconds.
const MaxTickInterval = 30 * time.Second

// DefaultOptions returns the scheduler defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval: 5 * time.Second,
		PreBuffer:    5 * time.Minute,
		ToleranceMM:  5,
		Realtime:     true,
		Clock:        time.Now,
	}
}

// Scheduler owns one plan execution end to end: its Store-facing level
// source, regenerator, dispatcher, and completion monitor are injected at
// construction and live for one Start-through-termination span.
type Scheduler struct {
	cfg        *farm.Config
	source     LevelSource
	regen      BatchRegenerator
	dispatcher *dispatch.Dispatcher
	opts       Options

	mu       sync.Mutex
	state    *ExecutionState
	monitor  *monitor
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// New builds a Scheduler for one farm.
func New(cfg *farm.Config, source LevelSource, rg BatchRegenerator, dispatcher *dispatch.Dispatcher, opts Options) *Scheduler {
	if opts.TickInterval <= 0 || opts.TickInterval > MaxTickInterval {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.PreBuffer <= 0 {
		opts.PreBuffer = DefaultOptions().PreBuffer
	}
	if opts.ToleranceMM <= 0 {
		opts.ToleranceMM = DefaultOptions().ToleranceMM
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		source:     source,
		regen:      rg,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Start loads |p| and begins driving its batches. It fails if a plan is
// already running or the plan has no batches.
func (s *Scheduler) Start(ctx context.Context, p *plan.Plan) error {
	if p == nil || len(p.Batches) == 0 {
		return fmt.Errorf("%w: plan has no batches to execute", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil && s.state.Status == StatusRunning {
		return fmt.Errorf("execution %s is already running", s.state.ID)
	}

	var now = s.opts.Clock()
	s.state = newExecutionState(uuid.NewString(), p, s.cfg.FarmID, now)
	s.monitor = newMonitor(s.opts.ToleranceMM)
	s.stopping = false
	s.done = make(chan struct{})

	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)
	go s.run(runCtx)

	log.WithFields(log.Fields{
		"execution": s.state.ID,
		"farm":      s.state.FarmID,
		"batches":   len(p.Batches),
	}).Info("execution started")
	return nil
}

// Stop requests cancellation. Non-terminal batches transition to cancelled;
// no further device commands are dispatched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	var cancel = s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done exposes the driver's completion, for hosts that block on execution.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	var ticker = time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.markCancelled()
			return
		case <-ticker.C:
			if s.tick(ctx) {
				return
			}
		}
	}
}

// tick advances every batch once, in index order, and reports whether the
// execution has terminated.
func (s *Scheduler) tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return true
	}
	var now = s.opts.Clock()
	var elapsedH = now.Sub(s.state.StartedAt).Hours()
	var total = len(s.state.Plan.Batches)
	s.mu.Unlock()

	for i := 1; i <= total; i++ {
		if ctx.Err() != nil {
			s.markCancelled()
			return true
		}

		s.mu.Lock()
		var be = s.state.Batches[i]
		var status = be.Status
		var startH, endH = be.OriginalStartH, be.OriginalEndH
		var predecessorReady = i == 1 ||
			s.state.Batches[i-1].Status == BatchExecuting ||
			s.state.Batches[i-1].Status.Terminal()
		s.mu.Unlock()

		switch status {
		case BatchPending:
			if predecessorReady && startH-elapsedH <= s.opts.PreBuffer.Hours() {
				s.prepareBatch(ctx, i, now)
			}
		case BatchPreparing:
			if startH <= elapsedH {
				s.executeBatch(ctx, i, now)
			}
		case BatchExecuting:
			s.checkBatch(ctx, i, now, elapsedH >= endH)
		}
	}
	return s.finalize(now)
}

// prepareBatch refreshes water levels for the batch's fields and regenerates
// its commands against them. Regeneration rejection keeps the originals and
// is only a warning; any other failure fails the batch.
func (s *Scheduler) prepareBatch(ctx context.Context, index int, now time.Time) {
	s.mu.Lock()
	var be = s.state.Batches[index]
	if err := be.transition(BatchPreparing, now, "pre-buffer reached"); err != nil {
		s.mu.Unlock()
		return
	}
	var p = s.state.Plan
	var fields = batchFieldIDs(p, index)
	s.mu.Unlock()

	var newLevels map[string]float64
	if s.opts.Realtime {
		var res, err = s.source.Resolve(ctx, s.cfg, fields)
		if err != nil {
			// Sensor trouble is non-fatal; the fallback chain already ran.
			log.WithFields(log.Fields{"batch": index, "err": err}).Warn("level resolution failed at prepare")
		}
		if ctx.Err() != nil {
			return // Cancelled mid-fetch; discard results.
		}
		newLevels = make(map[string]float64, len(res.Readings))
		for id, r := range res.Readings {
			newLevels[id] = r.ValueMM
		}
		s.mu.Lock()
		s.state.LastLevelUpdate = now
		s.monitor.observe(res)
		s.mu.Unlock()
	}

	var result, err = s.regen.RegenerateBatch(s.state.Plan, index, newLevels, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	be.WaterLevelsAtPrep = newLevels
	switch {
	case errors.Is(err, regen.ErrRejected):
		be.Log = append(be.Log, LogEntry{At: now, Message: "regeneration rejected; keeping original commands"})
	case err != nil:
		be.Err = err.Error()
		_ = be.transition(BatchFailed, now, err.Error())
	default:
		be.UpdatedCommands = result.RegeneratedCommands
		be.CurrentEndH = be.OriginalEndH + result.ExecutionTimeAdjustmentS/3600
		for _, c := range result.Changes {
			be.Log = append(be.Log, LogEntry{At: now, Message: fmt.Sprintf("%s (%s): %s", c.Type, c.Impact, c.Detail)})
		}
	}
}

// executeBatch dispatches the batch's opening commands: pumps on, then
// regulator settings, then field inlets. Pump stops wait for the monitor.
func (s *Scheduler) executeBatch(ctx context.Context, index int, now time.Time) {
	s.mu.Lock()
	var be = s.state.Batches[index]
	if err := be.transition(BatchExecuting, now, "window open"); err != nil {
		s.mu.Unlock()
		return
	}
	var started = now
	be.StartedAt = &started

	var cmds = be.UpdatedCommands
	if cmds == nil {
		cmds = s.state.Plan.Steps[index-1].Commands
	}
	s.mu.Unlock()

	for _, c := range cmds {
		var dc, ok = openingCommand(c, index)
		if ok {
			s.dispatcher.Enqueue(dc)
		}
	}
	if err := s.dispatcher.Drain(ctx); err != nil {
		log.WithFields(log.Fields{"batch": index, "err": err}).Warn("dispatch interrupted")
	}
}

// checkBatch polls completion and closes devices bottom-up. The batch
// completes when the monitor reports all fields done, or by time fallback.
func (s *Scheduler) checkBatch(ctx context.Context, index int, now time.Time, timedOut bool) {
	s.mu.Lock()
	var p = s.state.Plan
	var fields = batchFieldIDs(p, index)
	s.mu.Unlock()

	var res levels.Resolution
	if s.opts.Realtime {
		var err error
		res, err = s.source.Resolve(ctx, s.cfg, fields)
		if err != nil {
			log.WithFields(log.Fields{"batch": index, "err": err}).Warn("level resolution failed during execution")
		}
		if ctx.Err() != nil {
			return
		}
	}

	s.mu.Lock()
	s.state.LastLevelUpdate = now
	s.monitor.observe(res)
	var allDone, closeCmds = s.monitor.check(p, index, res.Readings)
	var finishing = allDone || timedOut
	if finishing {
		for _, pump := range p.Steps[index-1].Sequence.PumpsOn {
			if s.pumpStillNeeded(index, pump) {
				continue
			}
			if cmd, ok := s.monitor.stopPump(pump); ok {
				closeCmds = append(closeCmds, cmd)
			}
		}
	}
	s.mu.Unlock()

	for _, cmd := range closeCmds {
		s.dispatcher.Enqueue(cmd)
	}
	if err := s.dispatcher.Drain(ctx); err != nil {
		return // Cancelled; leave the batch for markCancelled.
	}

	if finishing {
		s.mu.Lock()
		var be = s.state.Batches[index]
		var reason = "all fields at target"
		if !allDone {
			reason = "window elapsed"
		}
		if err := be.transition(BatchCompleted, now, reason); err == nil {
			var done = now
			be.CompletedAt = &done
		}
		s.mu.Unlock()
	}
}

// pumpStillNeeded reports whether any other non-terminal batch lists the
// pump in its pumps-on set. Callers hold s.mu.
func (s *Scheduler) pumpStillNeeded(completingIndex int, pump string) bool {
	for i := 1; i <= len(s.state.Plan.Batches); i++ {
		if i == completingIndex || s.state.Batches[i].Status.Terminal() {
			continue
		}
		for _, name := range s.state.Plan.Steps[i-1].Sequence.PumpsOn {
			if name == pump {
				return true
			}
		}
	}
	return false
}

// markCancelled transitions every non-terminal batch to cancelled at the
// cancellation observation point. Terminal batches stay as they are.
func (s *Scheduler) markCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Status != StatusRunning {
		return
	}
	var now = s.opts.Clock()
	for i := 1; i <= len(s.state.Plan.Batches); i++ {
		var be = s.state.Batches[i]
		if !be.Status.Terminal() {
			_ = be.transition(BatchCancelled, now, "execution stopped")
		}
	}
	s.state.Status = StatusCancelled
	log.WithField("execution", s.state.ID).Info("execution cancelled")
}

// finalize settles the global status once every batch is terminal.
func (s *Scheduler) finalize(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed, cancelled = 0, 0
	for _, be := range s.state.Batches {
		if !be.Status.Terminal() {
			return false
		}
		switch be.Status {
		case BatchFailed:
			failed++
		case BatchCancelled:
			cancelled++
		}
	}

	switch {
	case cancelled > 0 && s.stopping:
		s.state.Status = StatusCancelled
	case failed == len(s.state.Batches):
		// The execution errors only when every batch failed; partial
		// failure still completes the remainder.
		s.state.Status = StatusError
	default:
		s.state.Status = StatusCompleted
	}
	log.WithFields(log.Fields{
		"execution": s.state.ID,
		"status":    s.state.Status,
		"failed":    failed,
	}).Info("execution finished")
	return true
}

// BatchSnapshot is one row of a status report.
type BatchSnapshot struct {
	Index       int         `json:"index"`
	Status      BatchStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Err         string      `json:"error,omitempty"`
}

// StatusReport is the scheduler's externally visible state.
type StatusReport struct {
	ExecutionID     string          `json:"execution_id"`
	Status          GlobalStatus    `json:"status"`
	CurrentBatch    int             `json:"current_batch"`
	TotalBatches    int             `json:"total_batches"`
	StartedAt       time.Time       `json:"started_at"`
	LastLevelUpdate time.Time       `json:"last_level_update"`
	Batches         []BatchSnapshot `json:"batches"`
}

// Status snapshots the execution. Safe to call from any goroutine.
func (s *Scheduler) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return StatusReport{Status: StatusIdle}
	}

	var out = StatusReport{
		ExecutionID:     s.state.ID,
		Status:          s.state.Status,
		TotalBatches:    len(s.state.Plan.Batches),
		StartedAt:       s.state.StartedAt,
		LastLevelUpdate: s.state.LastLevelUpdate,
	}
	for i := 1; i <= out.TotalBatches; i++ {
		var be = s.state.Batches[i]
		if out.CurrentBatch == 0 && !be.Status.Terminal() {
			out.CurrentBatch = i
		}
		out.Batches = append(out.Batches, BatchSnapshot{
			Index:       be.BatchIndex,
			Status:      be.Status,
			StartedAt:   be.StartedAt,
			CompletedAt: be.CompletedAt,
			Err:         be.Err,
		})
	}
	return out
}

// ManualRegenerateBatch triggers one out-of-cycle regeneration of a batch.
// Custom water levels, when given, also become monitor overrides so that
// completion tracking sees them until live readings supersede them.
func (s *Scheduler) ManualRegenerateBatch(ctx context.Context, batchIndex int, customLevels map[string]float64, customStandards json.RawMessage) (regen.Result, error) {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return regen.Result{}, fmt.Errorf("%w: no execution loaded", ErrNotFound)
	}
	var p = s.state.Plan
	if batchIndex < 1 || batchIndex > len(p.Batches) {
		s.mu.Unlock()
		return regen.Result{}, fmt.Errorf("%w: batch %d of %d", ErrNotFound, batchIndex, len(p.Batches))
	}
	s.mu.Unlock()

	var lv = customLevels
	if lv == nil {
		var res, err = s.source.Resolve(ctx, s.cfg, batchFieldIDs(p, batchIndex))
		if err != nil {
			log.WithFields(log.Fields{"batch": batchIndex, "err": err}).Warn("level resolution failed for manual regeneration")
		}
		lv = make(map[string]float64, len(res.Readings))
		for id, r := range res.Readings {
			lv[id] = r.ValueMM
		}
	}

	var result, err = s.regen.RegenerateBatch(p, batchIndex, lv, customStandards)

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Success {
		s.state.Batches[batchIndex].UpdatedCommands = result.RegeneratedCommands
	}
	for id, mm := range customLevels {
		s.monitor.setOverride(id, mm)
	}
	return result, err
}

// UpdateWaterLevels forces one resolution cycle outside the cadence.
func (s *Scheduler) UpdateWaterLevels(ctx context.Context, fieldIDs []string) (levels.Resolution, error) {
	var res, err = s.source.Resolve(ctx, s.cfg, fieldIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.state.LastLevelUpdate = s.opts.Clock()
		s.monitor.observe(res)
	}
	return res, err
}

func batchFieldIDs(p *plan.Plan, index int) []string {
	var out []string
	for _, f := range p.Batches[index-1].Fields {
		out = append(out, f.ID)
	}
	return out
}

// openingCommand converts a plan command into its dispatchable form for the
// batch-open phase. Stop and close verbs are withheld here; they belong to
// the monitor-driven wrapup.
func openingCommand(c plan.Command, batchIndex int) (dispatch.Command, bool) {
	var reason = fmt.Sprintf("batch %d window open", batchIndex)
	switch {
	case c.Kind == plan.TargetPump && c.Action == plan.ActionStart:
		return dispatch.Command{
			DeviceType: dispatch.DevicePump,
			DeviceID:   c.Target,
			Action:     string(c.Action),
			Phase:      dispatch.PhaseRunning,
			Priority:   1,
			Reason:     reason,
		}, true
	case c.Kind == plan.TargetRegulator && c.Action == plan.ActionSet:
		var params map[string]any
		if c.ValuePct != nil {
			params = map[string]any{"open_pct": *c.ValuePct}
		}
		return dispatch.Command{
			DeviceType: dispatch.DeviceRegulator,
			DeviceID:   c.Target,
			Action:     string(c.Action),
			Params:     params,
			Phase:      dispatch.PhaseRunning,
			Priority:   2,
			Reason:     reason,
		}, true
	case c.Kind == plan.TargetFieldInlet && c.Action == plan.ActionOpen:
		return dispatch.Command{
			DeviceType: dispatch.DeviceFieldInlet,
			DeviceID:   c.Target,
			Action:     string(c.Action),
			Phase:      dispatch.PhaseRunning,
			Priority:   3,
			Reason:     reason,
		}, true
	}
	return dispatch.Command{}, false
}
