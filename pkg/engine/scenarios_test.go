package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/transport"
	"github.com/taskgraph/skein/pkg/types"
)

// These mirror the six end-to-end scenarios in spec.md §8 verbatim, run
// against a live Engine wiring store+dispatch+stimulus+failure+transport
// together exactly as cmd/skeind does.

func TestScenarioLinearChain(t *testing.T) {
	e, st := newTestEngine(t)

	w1 := transport.NewLocal()
	defer w1.Close()
	w1Ch := w1.Register("w1")
	e.Register("w1", w1)

	client := transport.NewLocal()
	defer client.Close()
	clientCh := client.Register("client-1")
	e.Register("client-1", client)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 1})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks: []stimulus.TaskSpec{
			{Key: "a", Payload: []byte("f(1)")},
			{Key: "b", Payload: []byte("g(a)"), Dependencies: []string{"a"}},
			{Key: "c", Payload: []byte("h(b)"), Dependencies: []string{"b"}},
		},
		Wanted: []string{"c"},
	})

	out := waitForOutbound(t, w1Ch)
	require.Equal(t, "a", out.Key)
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "w1", Key: "a", NBytes: 10})

	out = waitForOutbound(t, w1Ch)
	require.Equal(t, "b", out.Key)
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "w1", Key: "b", NBytes: 10})

	out = waitForOutbound(t, w1Ch)
	require.Equal(t, "c", out.Key)
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "w1", Key: "c", NBytes: 10})

	done := waitForOutbound(t, clientCh)
	assert.Equal(t, stimulus.OutKeyDone, done.Op)
	assert.Equal(t, "c", done.Key)

	assert.Eventually(t, func() bool {
		a, b, c := st.Task("a"), st.Task("b"), st.Task("c")
		return a.State == types.TaskReleased && b.State == types.TaskReleased && c.State == types.TaskMemory
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScenarioFanIn(t *testing.T) {
	e, st := newTestEngine(t)

	w1 := transport.NewLocal()
	defer w1.Close()
	w1Ch := w1.Register("w1")
	e.Register("w1", w1)

	w2 := transport.NewLocal()
	defer w2.Close()
	w2Ch := w2.Register("w2")
	e.Register("w2", w2)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 1})
	e.Deliver("w2", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w2", Hostname: "host2", NCores: 1})

	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks: []stimulus.TaskSpec{
			{Key: "x", Payload: []byte("f(1)")},
			{Key: "y", Payload: []byte("f(2)")},
			{Key: "z", Payload: []byte("g(x,y)"), Dependencies: []string{"x", "y"}},
		},
		Wanted: []string{"z"},
	})

	first := waitForOutbound(t, w1Ch)
	second := waitForOutbound(t, w2Ch)
	assert.ElementsMatch(t, []string{"x", "y"}, []string{first.Key, second.Key})

	// Whichever of x/y ran on w1 finishes with a small result, the one on w2
	// with a much larger one: z should land on w2, the worker already
	// holding the larger input.
	e.Deliver(first.Peer, stimulus.Message{Op: stimulus.OpTaskFinished, Worker: first.Peer, Key: first.Key, NBytes: 10})
	e.Deliver(second.Peer, stimulus.Message{Op: stimulus.OpTaskFinished, Worker: second.Peer, Key: second.Key, NBytes: 10_000_000})

	var zOut stimulus.Outbound
	select {
	case zOut = <-w1Ch:
	case zOut = <-w2Ch:
	case <-time.After(2 * time.Second):
		t.Fatal("z was never dispatched")
	}
	assert.Equal(t, "z", zOut.Key)
	assert.Equal(t, second.Peer, zOut.Peer, "z should be placed on the worker holding the larger input")

	e.Deliver(zOut.Peer, stimulus.Message{Op: stimulus.OpTaskFinished, Worker: zOut.Peer, Key: "z", NBytes: 1})
	assert.Eventually(t, func() bool {
		return st.Task("z").State == types.TaskMemory
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, st.Replicas("z"), 1)
}

func TestScenarioWorkerLossMidTask(t *testing.T) {
	e, st := newTestEngine(t)

	w1 := transport.NewLocal()
	defer w1.Close()
	w1Ch := w1.Register("w1")
	e.Register("w1", w1)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 1})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks:  []stimulus.TaskSpec{{Key: "a", Payload: []byte("f(1)")}},
		Wanted: []string{"a"},
	})
	waitForOutbound(t, w1Ch)

	// w2 joins and w1 is lost: "a" is redispatched to w2 with suspicion 1.
	e.Deliver("w2", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w2", Hostname: "host2", NCores: 1})
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpRemoveWorker, Address: "w1"})
	assert.Eventually(t, func() bool {
		task := st.Task("a")
		return task != nil && task.State == types.TaskProcessing && task.SuspicionCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Two more workers are killed in turn while "a" keeps running: the
	// client has now killed three workers total running "a", so it should
	// transition to erred rather than be redispatched a fourth time.
	e.Deliver("w3", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w3", Hostname: "host3", NCores: 1})
	e.Deliver("w2", stimulus.Message{Op: stimulus.OpRemoveWorker, Address: "w2"})
	e.Deliver("w4", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w4", Hostname: "host4", NCores: 1})
	e.Deliver("w3", stimulus.Message{Op: stimulus.OpRemoveWorker, Address: "w3"})

	assert.Eventually(t, func() bool {
		task := st.Task("a")
		return task != nil && task.State == types.TaskErred
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScenarioTaskFailureBlame(t *testing.T) {
	e, st := newTestEngine(t)

	w1 := transport.NewLocal()
	defer w1.Close()
	w1Ch := w1.Register("w1")
	e.Register("w1", w1)

	client := transport.NewLocal()
	defer client.Close()
	clientCh := client.Register("client-1")
	e.Register("client-1", client)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 1})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks: []stimulus.TaskSpec{
			{Key: "a", Payload: []byte("f(1)")},
			{Key: "b", Payload: []byte("g(a)"), Dependencies: []string{"a"}},
			{Key: "c", Payload: []byte("h(b)"), Dependencies: []string{"b"}},
		},
		Wanted: []string{"c"},
	})

	out := waitForOutbound(t, w1Ch)
	require.Equal(t, "a", out.Key)
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "w1", Key: "a", NBytes: 10})

	out = waitForOutbound(t, w1Ch)
	require.Equal(t, "b", out.Key)
	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFailed, Worker: "w1", Key: "b", Exception: "boom", Traceback: "tb"})

	erred := waitForOutbound(t, clientCh)
	assert.Equal(t, stimulus.OutKeyErred, erred.Op)
	assert.Equal(t, "c", erred.Key)
	assert.Equal(t, "b", erred.Blame)
	assert.Equal(t, types.TaskMemory, st.Task("a").State)
}

func TestScenarioClientCancelsMidComputation(t *testing.T) {
	e, st := newTestEngine(t)

	w1 := transport.NewLocal()
	defer w1.Close()
	w1Ch := w1.Register("w1")
	e.Register("w1", w1)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 1})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks: []stimulus.TaskSpec{
			{Key: "a", Payload: []byte("f(1)")},
			{Key: "l", Payload: []byte("g(a)"), Dependencies: []string{"a"}},
		},
		Wanted: []string{"l"},
	})
	waitForOutbound(t, w1Ch) // a dispatched

	e.Deliver("client-1", stimulus.Message{Op: stimulus.OpRemoveClient, Client: "client-1"})

	assert.Eventually(t, func() bool {
		a := st.Task("a")
		return a != nil && (a.State == types.TaskReleased || a.State == types.TaskMemory)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScenarioRestrictedTaskWaitsForMatchingWorker(t *testing.T) {
	e, st := newTestEngine(t)

	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks:  []stimulus.TaskSpec{{Key: "k", Payload: []byte("p"), Restrictions: []string{"gpu-1"}}},
		Wanted: []string{"k"},
	})

	assert.Eventually(t, func() bool {
		for _, key := range st.Unrunnable() {
			if key == "k" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	gpu := transport.NewLocal()
	defer gpu.Close()
	gpuCh := gpu.Register("10.0.0.1:9000")
	e.Register("10.0.0.1:9000", gpu)

	e.Deliver("10.0.0.1:9000", stimulus.Message{Op: stimulus.OpAddWorker, Address: "10.0.0.1:9000", Hostname: "gpu-1", NCores: 1})

	out := waitForOutbound(t, gpuCh)
	assert.Equal(t, "k", out.Key)
	assert.Equal(t, types.TaskProcessing, st.Task("k").State)
}
