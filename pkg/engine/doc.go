/*
Package engine is the scheduler's single-threaded event loop (spec.md
§5). It owns the only goroutine that ever touches pkg/store or
pkg/dispatch: every inbound stimulus.Message, every periodic staleness
sweep, and every work-stealing pass is serialized through one select
loop, so neither package needs its own locking.

Grounded on the Start()/Stop()/run() ticker-and-stopCh shape shared by
_examples/cuemby-warren/pkg/scheduler/scheduler.go and
pkg/reconciler/reconciler.go, generalized from a periodic-only loop into
one that also drains a transport's inbound channel.
*/
package engine
