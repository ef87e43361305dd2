package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/types"
)

func TestFreeSlotPrefersStackOverReady(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "host1", 4)
	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)
	_, err = st.AddTask("b", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)

	d := New(st)
	d.ready = append(d.ready, "a")
	d.stacks["w1"] = append(d.stacks["w1"], "b")

	got := d.FreeSlot("w1")
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Key, "stack must be consulted before the common ready deque")
}

func TestFreeSlotFallsBackToReadyThenIdle(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "host1", 4)
	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)

	d := New(st)
	d.ready = append(d.ready, "a")

	got := d.FreeSlot("w1")
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Key)

	none := d.FreeSlot("w1")
	assert.Nil(t, none)
	_, isIdle := d.idle["w1"]
	assert.True(t, isIdle)
}

func TestPopReadyBreaksTiesByPriority(t *testing.T) {
	st := store.New()
	_, err := st.AddTask("low", nil, nil, types.Priority{5, 0}, nil, false, "")
	require.NoError(t, err)
	_, err = st.AddTask("high", nil, nil, types.Priority{1, 0}, nil, false, "")
	require.NoError(t, err)

	d := New(st)
	d.ready = []string{"low", "high"}

	assert.Equal(t, "high", d.popReady(), "smaller priority tuple wins")
	assert.Equal(t, "low", d.popReady())
}

func TestPlaceReadyRestrictedWithNoSatisfyingWorkerIsUnrunnable(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "generic-host", 4)
	_, err := st.AddTask("gpu-task", nil, nil, types.Priority{}, []string{"gpu-1"}, false, "")
	require.NoError(t, err)

	d := New(st)
	a := d.PlaceReady("gpu-task")
	require.NotNil(t, a)
	assert.True(t, a.Unrunnable)
}

func TestPlaceReadyRestrictedDispatchesToSatisfyingIdleWorker(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "gpu-1", 4)
	_, err := st.AddTask("gpu-task", nil, nil, types.Priority{}, []string{"gpu-1"}, false, "")
	require.NoError(t, err)

	d := New(st)
	d.MarkIdle("w1")
	a := d.PlaceReady("gpu-task")
	require.NotNil(t, a)
	assert.Equal(t, "w1", a.Worker)
}

func TestPlaceReadyPrefersAffineWorkerWithinSlack(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "host1", 4)
	st.AddWorker("w2", "host2", 4)

	_, err := st.AddTask("dep", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)
	require.NoError(t, st.RecordProcessing("dep", "w1", 1))
	_, err = st.RecordMemory("dep", "w1", 10)
	require.NoError(t, err)

	_, err = st.AddTask("child", nil, []string{"dep"}, types.Priority{}, nil, false, "")
	require.NoError(t, err)

	d := New(st)
	// Neither worker idle: child should land on w1's stack (affine, and
	// occupancy is tied at zero so well within slack).
	a := d.PlaceReady("child")
	assert.Nil(t, a)
	assert.Equal(t, []string{"child"}, d.stacks["w1"])
}

func TestStealTickMovesFromLoadedToIdle(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "host1", 4)
	st.AddWorker("w2", "host2", 4)
	_, err := st.AddTask("a", nil, nil, types.Priority{}, nil, false, "")
	require.NoError(t, err)

	d := New(st)
	d.stacks["w1"] = []string{"a"}
	d.MarkIdle("w2")

	moved := d.StealTick()
	require.Len(t, moved, 1)
	assert.Equal(t, "a", moved[0].Key)
	assert.Equal(t, "w2", moved[0].Worker)
	assert.Empty(t, d.stacks["w1"])
}

func TestStealTickNoopWithoutIdleWorkers(t *testing.T) {
	st := store.New()
	st.AddWorker("w1", "host1", 4)
	d := New(st)
	d.stacks["w1"] = []string{"a"}
	assert.Nil(t, d.StealTick())
}
