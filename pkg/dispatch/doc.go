/*
Package dispatch implements the scheduler's Dispatcher (spec.md §4.3): the
worker-pull free-slot path, the newly-ready task placement policy (locality
scoring plus the stacks/ready occupancy-slack heuristic from SPEC_FULL.md
§4.3.1), the priority tie-break, and periodic work stealing between
per-worker stacks and the common ready deque.

Every operation here is the generalized, per-stimulus analogue of
_examples/cuemby-warren/pkg/scheduler/scheduler.go's periodic
reconcile-to-desired-replica-count loop: the same least-loaded worker scan,
retargeted from "how many containers does this service need" to "which
worker should this ready task go to right now." Unlike that scheduler, the
Dispatcher has no Start/Stop and runs no ticker goroutine of its own; its
steal pass is invoked by pkg/engine's steal ticker.
*/
package dispatch
