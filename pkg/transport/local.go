package transport

import (
	"fmt"
	"sync"

	"github.com/taskgraph/skein/pkg/stimulus"
)

// Envelope pairs an inbound message with the peer it arrived from.
type Envelope struct {
	Peer string
	Msg  stimulus.Message
}

// Transport is the scheduler's view of a bidirectional message stream to
// every connected peer (spec.md §6). Send never blocks on network I/O;
// Inbound delivers messages in per-peer FIFO order.
type Transport interface {
	Send(out stimulus.Outbound) error
	Inbound() <-chan Envelope
	Close() error
}

// Local is an in-process Transport for workers/clients living in the same
// binary (tests, single-process demos). Grounded on
// _examples/cuemby-warren/pkg/events/events.go's Broker: one buffered
// channel per subscriber, non-blocking send that drops on a full buffer
// rather than stalling the publisher.
type Local struct {
	mu      sync.Mutex
	peers   map[string]chan stimulus.Outbound
	inbound chan Envelope
	closed  chan struct{}
}

// NewLocal returns an empty in-process transport.
func NewLocal() *Local {
	return &Local{
		peers:   make(map[string]chan stimulus.Outbound),
		inbound: make(chan Envelope, 1024),
		closed:  make(chan struct{}),
	}
}

// Register gives an in-process peer its own outbound delivery channel.
// The returned channel is closed when the peer is Unregistered or the
// transport is Closed.
func (l *Local) Register(peer string) <-chan stimulus.Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan stimulus.Outbound, 64)
	l.peers[peer] = ch
	return ch
}

// Unregister removes a peer and closes its outbound channel.
func (l *Local) Unregister(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.peers[peer]; ok {
		delete(l.peers, peer)
		close(ch)
	}
}

// Send implements Transport: it is non-blocking, matching the "handlers
// never block on I/O" rule in spec §5 even though here the "I/O" is just a
// Go channel.
func (l *Local) Send(out stimulus.Outbound) error {
	l.mu.Lock()
	ch, ok := l.peers[out.Peer]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", out.Peer)
	}
	select {
	case ch <- out:
	default:
	}
	return nil
}

func (l *Local) Inbound() <-chan Envelope { return l.inbound }

// Deliver hands the scheduler an inbound message from peer, as if it had
// just arrived off the wire.
func (l *Local) Deliver(peer string, msg stimulus.Message) {
	select {
	case l.inbound <- Envelope{Peer: peer, Msg: msg}:
	case <-l.closed:
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	for peer, ch := range l.peers {
		delete(l.peers, peer)
		close(ch)
	}
	return nil
}
