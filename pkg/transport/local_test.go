package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/skein/pkg/stimulus"
)

func TestLocalSendDeliversToRegisteredPeer(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	ch := l.Register("w1")
	require.NoError(t, l.Send(stimulus.Outbound{Peer: "w1", Op: stimulus.OutComputeTask, Key: "a"}))

	select {
	case out := <-ch:
		assert.Equal(t, "a", out.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
}

func TestLocalSendUnknownPeerErrors(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	err := l.Send(stimulus.Outbound{Peer: "ghost", Op: stimulus.OutRelease})
	assert.Error(t, err)
}

func TestLocalSendDropsOnFullBufferWithoutBlocking(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	l.Register("w1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = l.Send(stimulus.Outbound{Peer: "w1", Op: stimulus.OutComputeTask})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked instead of dropping on a full channel")
	}
}

func TestLocalDeliverReachesInbound(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	l.Deliver("client-1", stimulus.Message{Op: stimulus.OpUpdateGraph, Client: "client-1"})

	select {
	case env := <-l.Inbound():
		assert.Equal(t, "client-1", env.Peer)
		assert.Equal(t, stimulus.OpUpdateGraph, env.Msg.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound envelope")
	}
}

func TestLocalUnregisterClosesChannel(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	ch := l.Register("w1")
	l.Unregister("w1")

	_, open := <-ch
	assert.False(t, open, "channel should be closed after Unregister")

	err := l.Send(stimulus.Outbound{Peer: "w1", Op: stimulus.OutRelease})
	assert.Error(t, err)
}

func TestLocalCloseIsIdempotentAndClosesAllPeerChannels(t *testing.T) {
	l := NewLocal()
	ch1 := l.Register("w1")
	ch2 := l.Register("w2")

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)
}
