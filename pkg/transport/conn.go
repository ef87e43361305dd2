package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/stimulus"
)

// BatchWindow is the idle-link batching window from spec §5: the first
// message on an idle link sends immediately; subsequent messages buffer
// and flush together once the window elapses.
const BatchWindow = 2 * time.Millisecond

// Conn is a Transport over a single real network connection to one peer.
// Every frame is a length-prefixed, msgpack-encoded []stimulus.Message (or
// []stimulus.Outbound on the write side), so a receiver always decodes a
// batch even when only one message was sent.
type Conn struct {
	peer   string
	conn   net.Conn
	logger zerolog.Logger

	outCh   chan stimulus.Outbound
	inbound chan Envelope
	done    chan struct{}
}

// NewConn wraps nc as the Transport for peer, writing to inbound as
// messages arrive. The caller owns inbound and should multiplex it with
// every other Conn's into a single engine-facing channel.
func NewConn(peer string, nc net.Conn, inbound chan Envelope) *Conn {
	c := &Conn{
		peer:    peer,
		conn:    nc,
		logger:  log.WithComponent("transport").With().Str("peer", peer).Logger(),
		outCh:   make(chan stimulus.Outbound, 256),
		inbound: inbound,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send queues out for delivery; it never blocks on the network itself.
func (c *Conn) Send(out stimulus.Outbound) error {
	select {
	case c.outCh <- out:
		return nil
	case <-c.done:
		return fmt.Errorf("transport: connection to %s is closed", c.peer)
	}
}

func (c *Conn) Inbound() <-chan Envelope { return c.inbound }

// Close tears down the underlying connection; readLoop noticing EOF then
// closes done, unblocking writeLoop and any pending Send.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) writeLoop() {
	var batch []stimulus.Outbound
	timer := time.NewTimer(BatchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	linkBusy := false

	flush := func() {
		linkBusy = false
		if len(batch) == 0 {
			return
		}
		if err := c.writeFrame(batch); err != nil {
			c.logger.Error().Err(err).Msg("write failed")
		}
		batch = nil
	}

	for {
		select {
		case out, ok := <-c.outCh:
			if !ok {
				return
			}
			if !linkBusy {
				if err := c.writeFrame([]stimulus.Outbound{out}); err != nil {
					c.logger.Error().Err(err).Msg("write failed")
				}
				linkBusy = true
				timer.Reset(BatchWindow)
				continue
			}
			batch = append(batch, out)
		case <-timer.C:
			flush()
		case <-c.done:
			flush()
			return
		}
	}
}

func (c *Conn) writeFrame(batch []stimulus.Outbound) error {
	payload, err := encode(batch)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	r := bufio.NewReader(c.conn)
	for {
		raw, err := readRawFrame(r)
		if err != nil {
			if err != io.EOF {
				c.logger.Debug().Err(err).Msg("connection read closed")
			}
			return
		}
		batch, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame, dropped")
			continue
		}
		for _, msg := range batch {
			select {
			case c.inbound <- Envelope{Peer: c.peer, Msg: msg}:
			case <-c.done:
				return
			}
		}
	}
}

func readRawFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeFrame(raw []byte) ([]stimulus.Message, error) {
	var batch []stimulus.Message
	if err := decode(raw, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// ReadFrame reads and decodes exactly one length-prefixed frame off r. It
// is exported for the one case outside this file that needs a single
// frame rather than a long-lived readLoop: a listener's handshake read,
// used to learn a new connection's peer identity before constructing a
// Conn for it.
func ReadFrame(r io.Reader) ([]stimulus.Message, error) {
	raw, err := readRawFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeFrame(raw)
}
