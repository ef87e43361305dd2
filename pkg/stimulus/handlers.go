package stimulus

import (
	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/metrics"
	"github.com/taskgraph/skein/pkg/store"
)

var logger = log.WithComponent("stimulus")

// DispatchReady is the exported entry point for placing a task whose
// waiting set just became empty from outside this package (pkg/failure
// uses it after a worker-loss revert brings a task back to readiness).
func DispatchReady(st *store.Store, d *dispatch.Dispatcher, key string) []Outbound {
	return dispatchReady(st, d, key)
}

// FinalizeAssignment records a to the store's processing state and builds
// its compute-task outbound message. pkg/engine uses this directly after a
// StealTick move, which produces an Assignment without going through
// dispatchReady/freeSlot.
func FinalizeAssignment(st *store.Store, a *dispatch.Assignment) Outbound {
	return assignOutbound(st, a)
}

// dispatchReady runs PlaceReady for a newly-ready key and, if it produced an
// immediate assignment, records the processing transition and returns the
// compute-task outbound message. This is the one piece of bookkeeping every
// handler below needs after touching the ready set, so it is factored out
// rather than repeated per handler.
func dispatchReady(st *store.Store, d *dispatch.Dispatcher, key string) []Outbound {
	a := d.PlaceReady(key)
	if a == nil {
		return nil
	}
	if a.Unrunnable {
		if err := st.RecordNoWorker(key); err != nil {
			logger.Warn().Err(err).Str("task_key", key).Msg("record_no_worker failed")
		}
		return nil
	}
	return []Outbound{assignOutbound(st, a)}
}

func assignOutbound(st *store.Store, a *dispatch.Assignment) Outbound {
	if err := st.RecordProcessing(a.Key, a.Worker, a.Cost); err != nil {
		logger.Warn().Err(err).Str("task_key", a.Key).Str("worker", a.Worker).Msg("record_processing failed")
	}
	whoHas := make(map[string][]string)
	for _, dep := range st.Dependencies(a.Key) {
		whoHas[dep] = st.Replicas(dep)
	}
	t := st.Task(a.Key)
	out := Outbound{Peer: a.Worker, Op: OutComputeTask, Key: a.Key, WhoHas: whoHas}
	if t != nil {
		out.Payload = t.Payload
		out.Priority = t.Priority
	}
	return out
}

// freeSlot asks the dispatcher for the next task to give a worker that just
// became free, turning any assignment into an outbound compute-task.
func freeSlot(st *store.Store, d *dispatch.Dispatcher, worker string) []Outbound {
	a := d.FreeSlot(worker)
	if a == nil {
		return nil
	}
	return []Outbound{assignOutbound(st, a)}
}

// UpdateGraph implements add_task for every task in msg.Tasks (spec §4.1,
// §4.4) and immediately dispatches whichever of them start out ready.
func UpdateGraph(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StimulusDuration, OpUpdateGraph)
	metrics.StimulusTotal.WithLabelValues(OpUpdateGraph).Inc()

	if msg.Client != "" && st.Client(msg.Client) == nil {
		metrics.ClientsTotal.Inc()
	}

	wanted := make(map[string]struct{}, len(msg.Wanted))
	for _, k := range msg.Wanted {
		wanted[k] = struct{}{}
	}

	var out []Outbound
	for _, spec := range msg.Tasks {
		wantingClient := ""
		if _, ok := wanted[spec.Key]; ok {
			wantingClient = msg.Client
		}
		_, err := st.AddTask(spec.Key, spec.Payload, spec.Dependencies, spec.Priority, spec.Restrictions, spec.Loose, wantingClient)
		if err != nil {
			logger.Warn().Err(err).Str("task_key", spec.Key).Msg("update-graph: add_task rejected")
			continue
		}
	}
	for _, spec := range msg.Tasks {
		if st.IsReady(spec.Key) {
			out = append(out, dispatchReady(st, d, spec.Key)...)
		}
	}
	return out
}

// TaskFinished implements the processing -> memory transition (spec §4.2)
// triggered by a worker's task-finished report, cascades readiness and
// dependency release, and frees the reporting worker's slot.
func TaskFinished(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StimulusDuration, OpTaskFinished)
	metrics.StimulusTotal.WithLabelValues(OpTaskFinished).Inc()

	res, err := st.RecordMemory(msg.Key, msg.Worker, msg.NBytes)
	if err != nil {
		logger.Warn().Err(err).Str("task_key", msg.Key).Msg("task-finished: unknown task")
		return nil
	}

	// Free the reporting worker's slot before placing any task its own
	// completion just made ready, so that worker is considered available
	// (e.g. for locality placement) rather than looking still-busy to the
	// newly-ready dispatch below.
	out := freeSlot(st, d, msg.Worker)
	for _, k := range res.NewlyReady {
		out = append(out, dispatchReady(st, d, k)...)
	}
	for _, clientID := range res.WantingClient {
		out = append(out, Outbound{Peer: clientID, Op: OutKeyDone, Key: msg.Key})
	}
	for _, r := range res.Released {
		metrics.TasksReleased.Inc()
		for _, w := range r.NotifyWorkers {
			out = append(out, Outbound{Peer: w, Op: OutRelease, Key: r.Key})
		}
	}
	return out
}

// TaskFailed implements the worker-reported exception path (spec §4.5 "task
// failure"): record the exception, propagate blame through every transitive
// dependent, notify clients wanting any blamed key, and free the worker.
func TaskFailed(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StimulusDuration, OpTaskFailed)
	metrics.StimulusTotal.WithLabelValues(OpTaskFailed).Inc()
	metrics.TasksFailed.Inc()

	erred := st.RecordErred(msg.Key, msg.Exception, msg.Traceback)
	var out []Outbound
	for _, ek := range erred {
		for _, clientID := range st.DesiredBy(ek.Key) {
			out = append(out, Outbound{
				Peer:      clientID,
				Op:        OutKeyErred,
				Key:       ek.Key,
				Blame:     ek.Blame,
				Exception: msg.Exception,
				Traceback: msg.Traceback,
			})
		}
	}
	out = append(out, freeSlot(st, d, msg.Worker)...)
	return out
}

// AddWorker implements add_worker: the worker joins the cluster and, since
// it starts idle, is immediately offered a free slot -- this is what lets a
// worker joining late satisfy restricted/unrunnable tasks (spec scenario 6).
func AddWorker(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StimulusDuration, OpAddWorker)
	metrics.StimulusTotal.WithLabelValues(OpAddWorker).Inc()
	metrics.WorkersTotal.WithLabelValues("running").Inc()

	st.AddWorker(msg.Address, msg.Hostname, msg.NCores)

	var out []Outbound
	for _, k := range st.Unrunnable() {
		out = append(out, dispatchReady(st, d, k)...)
	}
	out = append(out, freeSlot(st, d, msg.Address)...)
	return out
}

// AddKeys implements add-keys: the worker reports it already holds replicas
// of keys (e.g. after a gather). Pure replica bookkeeping: routed through
// Store.AddReplica rather than RecordMemory, since a key reported here may
// still be processing elsewhere and must not be forced into memory (and
// its dependent/release cascade run) off an add-keys report.
func AddKeys(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	metrics.StimulusTotal.WithLabelValues(OpAddKeys).Inc()
	for _, k := range msg.Keys {
		if st.Task(k) != nil {
			st.AddReplica(k, msg.Worker)
		}
	}
	return nil
}

// MissingData implements missing-data: a worker reports it no longer holds
// a replica it was believed to have (e.g. local eviction). Drops the stale
// replica record and, if that was the key's last replica, recomputes it
// (spec §4.5's lost-data walk, here triggered by a single eviction rather
// than a whole worker loss) and re-dispatches it if it becomes ready.
func MissingData(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	metrics.StimulusTotal.WithLabelValues(OpMissingData).Inc()
	logger.Debug().Str("worker", msg.Worker).Str("task_key", msg.Key).Msg("missing-data reported")

	if lost := st.RemoveReplica(msg.Key, msg.Worker); !lost {
		return nil
	}
	var out []Outbound
	for _, k := range st.RecomputeLostReplicas([]string{msg.Key}) {
		if st.IsReady(k) {
			out = append(out, dispatchReady(st, d, k)...)
		}
	}
	return out
}

// ClientReleasesKeys implements client-releases-keys (spec §5
// "Cancellation"): drop the client's interest and cancel any processing
// task that becomes release-eligible as a result.
func ClientReleasesKeys(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StimulusDuration, OpClientReleasesKeys)
	metrics.StimulusTotal.WithLabelValues(OpClientReleasesKeys).Inc()

	released := st.ClientReleasesKeys(msg.Client, msg.Keys)
	return releaseOutbound(st, d, released)
}

// RemoveClient implements remove_client: the client disconnects and loses
// interest in everything it wanted.
func RemoveClient(st *store.Store, d *dispatch.Dispatcher, msg Message) []Outbound {
	metrics.StimulusTotal.WithLabelValues(OpRemoveClient).Inc()
	metrics.ClientsTotal.Dec()
	released := st.RemoveClient(msg.Client)
	return releaseOutbound(st, d, released)
}

func releaseOutbound(st *store.Store, d *dispatch.Dispatcher, released []store.Released) []Outbound {
	var out []Outbound
	for _, r := range released {
		metrics.TasksReleased.Inc()
		for _, w := range r.NotifyWorkers {
			out = append(out, Outbound{Peer: w, Op: OutRelease, Key: r.Key})
		}
	}
	_ = st
	_ = d
	return out
}
