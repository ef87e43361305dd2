package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/transport"
	"github.com/taskgraph/skein/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.New()
	d := dispatch.New(st)
	e := New(st, d, nil, Config{
		HeartbeatMissThreshold: 50 * time.Millisecond,
		StealInterval:          20 * time.Millisecond,
	})
	go e.Run()
	t.Cleanup(e.Stop)
	return e, st
}

func waitForOutbound(t *testing.T, ch <-chan stimulus.Outbound) stimulus.Outbound {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return stimulus.Outbound{}
	}
}

func TestEngineDispatchesUpdateGraphToRegisteredWorker(t *testing.T) {
	e, _ := newTestEngine(t)

	local := transport.NewLocal()
	defer local.Close()
	workerCh := local.Register("w1")
	e.Register("w1", local)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 2})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks:  []stimulus.TaskSpec{{Key: "a", Payload: []byte("p")}},
		Wanted: []string{"a"},
	})

	out := waitForOutbound(t, workerCh)
	assert.Equal(t, stimulus.OutComputeTask, out.Op)
	assert.Equal(t, "a", out.Key)
}

func TestEngineNotifiesClientOnTaskFinished(t *testing.T) {
	e, _ := newTestEngine(t)

	workerTransport := transport.NewLocal()
	defer workerTransport.Close()
	workerCh := workerTransport.Register("w1")
	e.Register("w1", workerTransport)

	clientTransport := transport.NewLocal()
	defer clientTransport.Close()
	clientCh := clientTransport.Register("client-1")
	e.Register("client-1", clientTransport)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpAddWorker, Address: "w1", Hostname: "host1", NCores: 2})
	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks:  []stimulus.TaskSpec{{Key: "a", Payload: []byte("p")}},
		Wanted: []string{"a"},
	})
	waitForOutbound(t, workerCh)

	e.Deliver("w1", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "w1", Key: "a", NBytes: 10})

	out := waitForOutbound(t, clientCh)
	assert.Equal(t, stimulus.OutKeyDone, out.Op)
	assert.Equal(t, "a", out.Key)
}

func TestEngineRemoveWorkerRedispatchesProcessingTask(t *testing.T) {
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
		Tasks:  []stimulus.TaskSpec{{Key: "a", Payload: []byte("p")}},
		Wanted: []string{"a"},
	})

	// Both workers are idle, so "a" may be placed on either one.
	var first stimulus.Outbound
	select {
	case first = <-w1Ch:
	case first = <-w2Ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
	assignedTo := first.Peer
	require.Equal(t, "a", first.Key)

	e.Deliver(assignedTo, stimulus.Message{Op: stimulus.OpRemoveWorker, Address: assignedTo})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("task was never re-dispatched after worker loss")
		default:
		}
		task := st.Task("a")
		if task != nil && task.State == types.TaskProcessing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineKeepsRunningAfterTaskFinishedForUnknownKey(t *testing.T) {
	e, st := newTestEngine(t)

	e.Deliver("ghost", stimulus.Message{Op: stimulus.OpTaskFinished, Worker: "no-such-worker", Key: "missing"})

	e.Deliver("client-1", stimulus.Message{
		Op:     stimulus.OpUpdateGraph,
		Client: "client-1",
		Tasks:  []stimulus.TaskSpec{{Key: "b", Payload: []byte("p")}},
		Wanted: []string{"b"},
	})

	assert.Eventually(t, func() bool {
		return st.Task("b") != nil
	}, 2*time.Second, 5*time.Millisecond, "the loop must still handle stimuli after the bad report")
}
