package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paddyflow/paddyflow/plan"
)

var execEpoch = time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)

func TestBatchTransitions(t *testing.T) {
	var cases = []struct {
		from  BatchStatus
		to    BatchStatus
		legal bool
	}{
		{BatchPending, BatchPreparing, true},
		{BatchPending, BatchCancelled, true},
		{BatchPending, BatchExecuting, false},
		{BatchPending, BatchCompleted, false},
		{BatchPreparing, BatchExecuting, true},
		{BatchPreparing, BatchFailed, true},
		{BatchPreparing, BatchCancelled, true},
		{BatchPreparing, BatchCompleted, false},
		{BatchPreparing, BatchPending, false},
		{BatchExecuting, BatchCompleted, true},
		{BatchExecuting, BatchFailed, true},
		{BatchExecuting, BatchCancelled, true},
		{BatchExecuting, BatchPreparing, false},
		{BatchCompleted, BatchCancelled, false},
		{BatchFailed, BatchPending, false},
		{BatchCancelled, BatchExecuting, false},
	}
	for _, tc := range cases {
		var be = &BatchExecution{BatchIndex: 1, Status: tc.from}
		var err = be.transition(tc.to, execEpoch, "test")
		if tc.legal {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.to, be.Status)
			require.Len(t, be.Log, 1)
		} else {
			require.ErrorIs(t, err, ErrBadTransition, "%s -> %s", tc.from, tc.to)
			// A refused transition changes nothing.
			require.Equal(t, tc.from, be.Status)
			require.Empty(t, be.Log)
		}
	}
}

func TestBatchStatusTerminal(t *testing.T) {
	require.False(t, BatchPending.Terminal())
	require.False(t, BatchPreparing.Terminal())
	require.False(t, BatchExecuting.Terminal())
	require.True(t, BatchCompleted.Terminal())
	require.True(t, BatchFailed.Terminal())
	require.True(t, BatchCancelled.Terminal())
}

func TestNewExecutionStateSeedsBatches(t *testing.T) {
	var p = &plan.Plan{
		Batches: []plan.Batch{{Index: 1}, {Index: 2}},
		Steps: []plan.Step{
			{Label: "batch-1", TStartH: 0, TEndH: 12.5},
			{Label: "batch-2", TStartH: 12.5, TEndH: 25},
		},
	}
	var state = newExecutionState("exec-1", p, "farm-1", execEpoch)

	require.Equal(t, StatusRunning, state.Status)
	require.Equal(t, execEpoch, state.StartedAt)
	require.Len(t, state.Batches, 2)

	var b2 = state.Batches[2]
	require.Equal(t, BatchPending, b2.Status)
	require.Equal(t, 12.5, b2.OriginalStartH)
	require.Equal(t, 25.0, b2.OriginalEndH)
	require.Equal(t, b2.OriginalStartH, b2.CurrentStartH)
	require.Equal(t, b2.OriginalEndH, b2.CurrentEndH)
}
