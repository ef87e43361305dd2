/*
Package store implements the scheduler's State Store: the redundant
in-memory indices described in spec.md §3/§4.1, and the Task State Machine's
transitions described in spec.md §4.2.

The store is deliberately not thread-safe. Spec §5/§9 mandate a single
logical owner for all scheduler state rather than fine-grained locking; this
package is only ever called from within pkg/engine's serialized event loop,
one stimulus at a time. Every relationship is stored in both directions
(forward and reverse maps) so that every lookup is O(1) and every mutation
touches only the bounded neighborhood of the entities it concerns — no
method here scans the whole graph.
*/
package store
