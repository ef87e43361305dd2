/*
Package stimulus implements the scheduler's Stimulus Handlers (spec.md
§4.4): one function per external message kind, each a pure function of
(current store/dispatcher state, message) -> outbound messages. A handler
never touches a transport directly; it returns the Outbound messages its
caller (pkg/engine) hands to pkg/transport.

Grounded on _examples/cuemby-warren/pkg/reconciler/reconciler.go's
"inspect desired vs observed, emit a small list of actions" shape,
generalized from periodic reconciliation to one invocation per inbound
message.
*/
package stimulus
