package failure

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/metrics"
	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/store"
)

var logger = log.WithComponent("failure")

// DefaultHeartbeatMissThreshold is the default staleness window before a
// worker with no heartbeat is declared lost (spec §4.4 remove-worker,
// §5 "Timeouts").
const DefaultHeartbeatMissThreshold = 30 * time.Second

// HandleWorkerLoss implements spec §4.5 "Worker loss": every task the lost
// worker was processing is suspicion-counted and either re-dispatched or
// poisoned; every key it held a sole replica of, if still needed, reverts
// to waiting and is re-dispatched once ready again.
func HandleWorkerLoss(st *store.Store, d *dispatch.Dispatcher, addr string) []stimulus.Outbound {
	res := st.RemoveWorker(addr)
	metrics.WorkersLost.Inc()
	metrics.WorkersTotal.WithLabelValues("running").Dec()
	logger.Warn().Str("worker", addr).Int("was_processing", len(res.WasProcessing)).
		Int("was_resident", len(res.WasResident)).Msg("worker removed")

	var out []stimulus.Outbound
	var reDispatchCandidates []string

	for _, k := range res.WasProcessing {
		metrics.SuspicionsTotal.Inc()
		if poisoned := st.IncrementSuspicion(k); poisoned {
			const exception = "worker lost: suspicion limit reached"
			erred := st.RecordErred(k, exception, "")
			out = append(out, erredOutbound(st, erred, exception, "")...)
			continue
		}
		st.RevertToWaiting(k)
		reDispatchCandidates = append(reDispatchCandidates, k)
	}

	reDispatchCandidates = append(reDispatchCandidates, st.RecomputeLostReplicas(res.WasResident)...)

	for _, k := range reDispatchCandidates {
		if st.IsReady(k) {
			out = append(out, stimulus.DispatchReady(st, d, k)...)
		}
	}
	return out
}

// erredOutbound notifies every client wanting any of erred's keys, carrying
// each key's blame root back (spec §4.5 "blame closure"): a dependent that
// erreds because an ancestor did still names that ancestor, not itself, as
// the blamed key.
func erredOutbound(st *store.Store, erred []store.ErredKey, exception, traceback string) []stimulus.Outbound {
	var out []stimulus.Outbound
	for _, ek := range erred {
		for _, clientID := range st.DesiredBy(ek.Key) {
			out = append(out, stimulus.Outbound{
				Peer:      clientID,
				Op:        stimulus.OutKeyErred,
				Key:       ek.Key,
				Blame:     ek.Blame,
				Exception: exception,
				Traceback: traceback,
			})
		}
	}
	return out
}

// StaleWorkers returns the addresses of every worker whose last heartbeat
// is older than threshold (spec §5 "Timeouts": missing N consecutive
// heartbeats triggers remove-worker). Grounded on
// _examples/cuemby-warren/pkg/reconciler/reconciler.go's
// now.Sub(LastHeartbeat) > threshold node-health check.
func StaleWorkers(st *store.Store, threshold time.Duration) []string {
	now := time.Now()
	var stale []string
	for _, w := range st.Workers() {
		if now.Sub(w.LastHeartbeat) > threshold {
			stale = append(stale, w.Address)
		}
	}
	return stale
}

// Manager bundles a heartbeat-staleness threshold with the package logger.
// HandleWorkerLoss and StaleWorkers are stateless and do not use it, and
// pkg/engine's periodic scan takes its threshold from engine.Config rather
// than from a Manager.
type Manager struct {
	logger    zerolog.Logger
	Threshold time.Duration
}

// New returns a Manager with the default heartbeat-miss threshold.
func New() *Manager {
	return &Manager{logger: logger, Threshold: DefaultHeartbeatMissThreshold}
}
