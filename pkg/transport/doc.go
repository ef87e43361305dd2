/*
Package transport implements the scheduler's bidirectional message streams
to workers and clients (spec.md §6): a Transport delivers inbound
stimulus.Message values to the engine and accepts outbound
stimulus.Outbound values destined for a single peer, batching small writes
over a short idle window.

Local is an in-process, channel-based broker for workers/clients running
in the same process (tests, single-binary demos), grounded on
_examples/cuemby-warren/pkg/events/events.go's per-subscriber buffered
channel with non-blocking broadcast. Conn is a real net.Conn transport
using a length-prefixed github.com/hashicorp/go-msgpack/v2 wire codec,
promoted from an indirect Raft dependency of the teacher's go.mod to a
direct one (see SPEC_FULL.md §2.2) since no generated protobuf package
exists anywhere in the retrieval pack to ground a gRPC transport on.
*/
package transport
