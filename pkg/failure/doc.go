/*
Package failure implements the Failure Manager (spec.md §4.5): worker-loss
reassignment with suspicion counting, and heartbeat-timeout detection.
Task-failure blame propagation is mostly store bookkeeping
(store.RecordErred already walks the dependents closure); this package
supplies the two things the store cannot decide on its own: whether a
re-dispatched task should instead be poisoned, and when a worker has gone
silent for long enough to be declared lost.

Grounded on _examples/cuemby-warren/pkg/reconciler/reconciler.go's
now.Sub(LastHeartbeat) > threshold staleness check, generalized from
node/container health to worker/task suspicion.
*/
package failure
