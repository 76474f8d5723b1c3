package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paddyflow/paddyflow/dispatch"
	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/levels"
	"github.com/paddyflow/paddyflow/plan"
	"github.com/paddyflow/paddyflow/regen"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeLevels struct {
	mu       sync.Mutex
	readings map[string]levels.Reading
	calls    int
}

func (f *fakeLevels) Resolve(_ context.Context, cfg *farm.Config, fieldIDs []string) (levels.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out = levels.Resolution{FarmID: cfg.FarmID, Readings: make(map[string]levels.Reading)}
	for _, id := range fieldIDs {
		if r, ok := f.readings[id]; ok {
			out.Readings[id] = r
		}
	}
	return out, nil
}

func (f *fakeLevels) set(fieldID string, mm float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readings == nil {
		f.readings = make(map[string]levels.Reading)
	}
	f.readings[fieldID] = levels.Reading{FieldID: fieldID, ValueMM: mm, Source: levels.SourceAPI}
}

type fakeRegen struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRegen) RegenerateBatch(p *plan.Plan, batchIndex int, _ map[string]float64, _ json.RawMessage) (regen.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return regen.Result{}, f.err
	}
	var cmds = append([]plan.Command(nil), p.Steps[batchIndex-1].Commands...)
	return regen.Result{
		Success:             true,
		OriginalCommands:    cmds,
		RegeneratedCommands: cmds,
	}, nil
}

type cmdRecorder struct {
	mu   sync.Mutex
	cmds []dispatch.Command
}

func (r *cmdRecorder) control(_ context.Context, cmd dispatch.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *cmdRecorder) recorded() []dispatch.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Command(nil), r.cmds...)
}

func (r *cmdRecorder) count(action, deviceID string) int {
	var n = 0
	for _, c := range r.recorded() {
		if c.Action == action && c.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// twoBatchPlan: batch 1 irrigates S1-G2-F1 over [0h, 1h], batch 2 irrigates
// S1-G3-F1 over [1h, 2h]; both route through pump P1 and regulator S1-G1.
func twoBatchPlan() *plan.Plan {
	var pct = 100.0
	var step = func(index int, inlet, field string, t0, t1 float64) plan.Step {
		return plan.Step{
			Label:   fmt.Sprintf("batch-%d", index),
			TStartH: t0,
			TEndH:   t1,
			Commands: []plan.Command{
				{Action: plan.ActionStart, Target: "P1", Kind: plan.TargetPump, TStartH: t0, TEndH: t1},
				{Action: plan.ActionSet, Target: "S1-G1", Kind: plan.TargetRegulator, ValuePct: &pct, TStartH: t0, TEndH: t1},
				{Action: plan.ActionOpen, Target: inlet, Kind: plan.TargetFieldInlet, TStartH: t0, TEndH: t1},
				{Action: plan.ActionStop, Target: "P1", Kind: plan.TargetPump, TStartH: t0, TEndH: t1},
			},
			Sequence: plan.Sequence{
				PumpsOn:   []string{"P1"},
				GatesSet:  []plan.GateSetting{{GateID: "S1-G1", OpenPct: 100}},
				GatesOpen: []string{inlet},
				Fields:    []string{field},
				PumpsOff:  []string{"P1"},
			},
		}
	}
	return &plan.Plan{
		FarmID: "farm-1",
		Batches: []plan.Batch{
			{Index: 1, Fields: []plan.BatchField{
				{ID: "S1-G2-F1", SegmentID: "S1", InletGateID: "S1-G2", AreaMu: 50, WLMM: 40, TargetMM: 60},
			}},
			{Index: 2, Fields: []plan.BatchField{
				{ID: "S1-G3-F1", SegmentID: "S1", InletGateID: "S1-G3", AreaMu: 50, WLMM: 45, TargetMM: 60},
			}},
		},
		Steps: []plan.Step{
			step(1, "S1-G2", "S1-G2-F1", 0, 1),
			step(2, "S1-G3", "S1-G3-F1", 1, 2),
		},
	}
}

type schedFixture struct {
	s      *Scheduler
	clock  *testClock
	source *fakeLevels
	regen  *fakeRegen
	rec    *cmdRecorder
}

func newFixture(t *testing.T) *schedFixture {
	t.Helper()
	var cfg = farm.Config{FarmID: "farm-1"}
	require.NoError(t, farm.FinishConfig(&cfg))

	var fx = &schedFixture{
		clock:  &testClock{t: execEpoch},
		source: &fakeLevels{},
		regen:  &fakeRegen{},
		rec:    &cmdRecorder{},
	}
	var dopts = dispatch.DefaultOptions()
	dopts.RetryDelay = time.Millisecond
	dopts.CommandsPerSecond = 0

	fx.s = New(&cfg, fx.source, fx.regen, dispatch.New(fx.rec.control, dopts), Options{
		TickInterval: MaxTickInterval, // ticks are driven by the tests
		PreBuffer:    5 * time.Minute,
		ToleranceMM:  5,
		Realtime:     true,
		Clock:        fx.clock.now,
	})
	return fx
}

func (fx *schedFixture) batchStatus(index int) BatchStatus {
	return fx.s.Status().Batches[index-1].Status
}

func TestSchedulerLifecycle(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()
	require.NoError(t, fx.s.Start(ctx, twoBatchPlan()))
	defer fx.s.Stop()

	// Tick 1: batch 1 enters preparing; batch 2 must wait for it.
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchPreparing, fx.batchStatus(1))
	require.Equal(t, BatchPending, fx.batchStatus(2))
	require.Equal(t, 1, fx.regen.calls)

	// Tick 2: batch 1's window is open; its opening commands dispatch in
	// pump, regulator, inlet order. Batch 2 is still an hour away.
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchExecuting, fx.batchStatus(1))
	require.Equal(t, BatchPending, fx.batchStatus(2))

	var opening = fx.rec.recorded()
	require.Len(t, opening, 3)
	require.Equal(t, "start", opening[0].Action)
	require.Equal(t, "set", opening[1].Action)
	require.Equal(t, "open", opening[2].Action)
	require.Equal(t, "S1-G2", opening[2].DeviceID)

	// Batch 1's field reaches target: inlet and regulator close, but the
	// pump keeps running for batch 2.
	fx.source.set("S1-G2-F1", 60)
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchCompleted, fx.batchStatus(1))
	require.Equal(t, 1, fx.rec.count("close", "S1-G2"))
	require.Equal(t, 1, fx.rec.count("close", "S1-G1"))
	require.Equal(t, 0, fx.rec.count("stop", "P1"))

	// Approach batch 2's window: it prepares, then executes.
	fx.clock.advance(56 * time.Minute)
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchPreparing, fx.batchStatus(2))

	fx.clock.advance(5 * time.Minute)
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchExecuting, fx.batchStatus(2))
	require.Equal(t, 1, fx.rec.count("open", "S1-G3"))

	// Batch 2 finishes: now nothing needs P1 and it stops, exactly once.
	fx.source.set("S1-G3-F1", 60)
	require.True(t, fx.s.tick(ctx))
	require.Equal(t, BatchCompleted, fx.batchStatus(2))
	require.Equal(t, 1, fx.rec.count("stop", "P1"))

	var status = fx.s.Status()
	require.Equal(t, StatusCompleted, status.Status)
	require.NotEmpty(t, status.ExecutionID)
	require.Zero(t, status.CurrentBatch)
	require.Equal(t, 2, status.TotalBatches)
}

func TestSchedulerTimeFallbackCompletion(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()
	var p = twoBatchPlan()
	p.Batches = p.Batches[:1]
	p.Steps = p.Steps[:1]
	require.NoError(t, fx.s.Start(ctx, p))
	defer fx.s.Stop()

	require.False(t, fx.s.tick(ctx)) // preparing
	require.False(t, fx.s.tick(ctx)) // executing

	// Levels never reach target; the window elapsing completes the batch.
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchExecuting, fx.batchStatus(1))

	fx.clock.advance(61 * time.Minute)
	require.True(t, fx.s.tick(ctx))
	require.Equal(t, BatchCompleted, fx.batchStatus(1))
	require.Equal(t, 1, fx.rec.count("stop", "P1"))
	require.Equal(t, StatusCompleted, fx.s.Status().Status)
}

func TestSchedulerCancellation(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()
	require.NoError(t, fx.s.Start(ctx, twoBatchPlan()))

	// Drive batch 1 to completed and batch 2 to preparing.
	require.False(t, fx.s.tick(ctx))
	require.False(t, fx.s.tick(ctx))
	fx.source.set("S1-G2-F1", 60)
	require.False(t, fx.s.tick(ctx))
	fx.clock.advance(56 * time.Minute)
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchCompleted, fx.batchStatus(1))
	require.Equal(t, BatchPreparing, fx.batchStatus(2))

	var before = len(fx.rec.recorded())
	fx.s.Stop()

	require.Eventually(t, func() bool {
		return fx.s.Status().Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// The terminal batch stays terminal; the preparing one cancels; no
	// further device command is dispatched.
	require.Equal(t, BatchCompleted, fx.batchStatus(1))
	require.Equal(t, BatchCancelled, fx.batchStatus(2))
	require.Len(t, fx.rec.recorded(), before)
}

func TestSchedulerRegenRejectionKeepsOriginals(t *testing.T) {
	var fx = newFixture(t)
	fx.regen.err = fmt.Errorf("%w: adjustment exceeds bounds", regen.ErrRejected)
	var ctx = context.Background()
	require.NoError(t, fx.s.Start(ctx, twoBatchPlan()))
	defer fx.s.Stop()

	// Rejection is non-fatal: the batch keeps preparing on its original
	// commands and still executes.
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchPreparing, fx.batchStatus(1))

	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchExecuting, fx.batchStatus(1))
	require.Equal(t, 1, fx.rec.count("open", "S1-G2"))
}

func TestSchedulerRegenFailureFailsBatch(t *testing.T) {
	var fx = newFixture(t)
	fx.regen.err = errors.New("standards document corrupt")
	var ctx = context.Background()
	var p = twoBatchPlan()
	p.Batches = p.Batches[:1]
	p.Steps = p.Steps[:1]
	require.NoError(t, fx.s.Start(ctx, p))
	defer fx.s.Stop()

	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchFailed, fx.batchStatus(1))

	// With every batch failed the execution settles on error.
	require.True(t, fx.s.tick(ctx))
	require.Equal(t, StatusError, fx.s.Status().Status)
	require.NotEmpty(t, fx.s.Status().Batches[0].Err)
}

func TestSchedulerStartValidation(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()

	require.Error(t, fx.s.Start(ctx, nil))
	require.Error(t, fx.s.Start(ctx, &plan.Plan{}))

	require.NoError(t, fx.s.Start(ctx, twoBatchPlan()))
	defer fx.s.Stop()
	require.Error(t, fx.s.Start(ctx, twoBatchPlan()))
}

func TestSchedulerManualRegenerateOverridesLevels(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()
	var p = twoBatchPlan()
	p.Batches = p.Batches[:1]
	p.Steps = p.Steps[:1]
	require.NoError(t, fx.s.Start(ctx, p))
	defer fx.s.Stop()

	require.False(t, fx.s.tick(ctx))
	require.False(t, fx.s.tick(ctx))
	require.Equal(t, BatchExecuting, fx.batchStatus(1))

	var res, err = fx.s.ManualRegenerateBatch(ctx, 1, map[string]float64{"S1-G2-F1": 60}, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	// The custom level acts as a completion override with no live reading.
	require.True(t, fx.s.tick(ctx))
	require.Equal(t, BatchCompleted, fx.batchStatus(1))

	var _, err2 = fx.s.ManualRegenerateBatch(ctx, 9, nil, nil)
	require.ErrorIs(t, err2, ErrNotFound)
}

func TestSchedulerUpdateWaterLevels(t *testing.T) {
	var fx = newFixture(t)
	var ctx = context.Background()
	require.NoError(t, fx.s.Start(ctx, twoBatchPlan()))
	defer fx.s.Stop()

	fx.source.set("S1-G2-F1", 48)
	var res, err = fx.s.UpdateWaterLevels(ctx, []string{"S1-G2-F1"})
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	require.Equal(t, fx.clock.now(), fx.s.Status().LastLevelUpdate)
}
