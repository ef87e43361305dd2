package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/types"
)

func TestHandleWorkerLossRedispatchesProcessingTask(t *testing.T) {
	st := store.New()
	d := dispatch.New(st)
	st.AddWorker("w1", "h1", 4)
	st.AddWorker("w2", "h2", 4)
	d.MarkIdle("w2") // w1 is busy running a; w2 is free to receive the reassignment

	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)
	require.NoError(t, st.RecordProcessing("a", "w1", 1))

	out := HandleWorkerLoss(st, d, "w1")

	var reassigned bool
	for _, o := range out {
		if o.Op == stimulus.OutComputeTask && o.Key == "a" && o.Peer == "w2" {
			reassigned = true
		}
	}
	assert.True(t, reassigned)
	assert.Equal(t, 1, st.Task("a").SuspicionCount)
	assert.Equal(t, types.TaskProcessing, st.Task("a").State)
}

func TestHandleWorkerLossPoisonsAtSuspicionLimit(t *testing.T) {
	st := store.New()
	d := dispatch.New(st)
	st.AddWorker("w1", "h1", 4)

	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "c1")
	require.NoError(t, err)

	for i := 0; i < types.SuspicionLimit-1; i++ {
		require.NoError(t, st.RecordProcessing("a", "w1", 1))
		HandleWorkerLoss(st, d, "w1")
		require.Equal(t, types.TaskWaiting, st.Task("a").State)
		st.AddWorker("w1", "h1", 4)
	}

	require.NoError(t, st.RecordProcessing("a", "w1", 1))
	out := HandleWorkerLoss(st, d, "w1")
	require.Equal(t, types.TaskErred, st.Task("a").State)

	var notified bool
	for _, o := range out {
		if o.Op == stimulus.OutKeyErred && o.Key == "a" && o.Peer == "c1" {
			notified = true
		}
	}
	assert.True(t, notified)
}

func TestHandleWorkerLossRecomputesLostReplica(t *testing.T) {
	st := store.New()
	d := dispatch.New(st)
	st.AddWorker("w1", "h1", 4)
	st.AddWorker("w2", "h2", 4)
	d.MarkIdle("w2")

	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)
	require.NoError(t, st.RecordProcessing("a", "w1", 1))
	_, err = st.RecordMemory("a", "w1", 100)
	require.NoError(t, err)

	_, err = st.AddTask("b", nil, []string{"a"}, types.Priority{}, nil, false, "c1")
	require.NoError(t, err)

	out := HandleWorkerLoss(st, d, "w1")

	var redispatchedA bool
	for _, o := range out {
		if o.Op == stimulus.OutComputeTask && o.Key == "a" && o.Peer == "w2" {
			redispatchedA = true
		}
	}
	assert.True(t, redispatchedA, "a's only replica was lost, b still needs it, and w2 is free so it recomputes immediately")
	assert.Equal(t, types.TaskProcessing, st.Task("a").State)
}

func TestHandleWorkerLossReleasesUnneededLostReplica(t *testing.T) {
	st := store.New()
	d := dispatch.New(st)
	st.AddWorker("w1", "h1", 4)

	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)
	require.NoError(t, st.RecordProcessing("a", "w1", 1))
	_, err = st.RecordMemory("a", "w1", 10)
	require.NoError(t, err)

	HandleWorkerLoss(st, d, "w1")
	assert.Equal(t, types.TaskReleased, st.Task("a").State, "nobody wants a any more so its lost replica is simply released")
}

func TestStaleWorkersDetectsMissedHeartbeats(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "h1", 4)
	st.Worker("w1").LastHeartbeat = time.Now().Add(-time.Minute)
	st.AddWorker("w2", "h2", 4)

	stale := StaleWorkers(st, 30*time.Second)
	assert.ElementsMatch(t, []string{"w1"}, stale)
}
