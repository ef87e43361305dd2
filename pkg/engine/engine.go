package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskgraph/skein/pkg/audit"
	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/failure"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/transport"
	"github.com/taskgraph/skein/pkg/types"
)

// Config tunes the engine's periodic sweeps. A zero value for either field
// falls back to the package default used elsewhere (pkg/failure for
// heartbeats, pkg/dispatch for stealing).
type Config struct {
	HeartbeatMissThreshold time.Duration
	StealInterval          time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatMissThreshold == 0 {
		c.HeartbeatMissThreshold = failure.DefaultHeartbeatMissThreshold
	}
	if c.StealInterval == 0 {
		c.StealInterval = dispatch.StealInterval
	}
	return c
}

// Engine drives the scheduler's single logical event loop (spec.md §5).
// It is the only component that ever calls into Store or Dispatcher once
// Run starts, which is what lets both stay free of internal locking.
type Engine struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	audit      *audit.Log
	logger     zerolog.Logger
	cfg        Config

	inbound chan transport.Envelope

	mu    sync.Mutex
	peers map[string]transport.Transport

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Engine. auditLog may be nil, which disables
// completion logging entirely.
func New(st *store.Store, d *dispatch.Dispatcher, auditLog *audit.Log, cfg Config) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		audit:      auditLog,
		logger:     log.WithComponent("engine"),
		cfg:        cfg.withDefaults(),
		inbound:    make(chan transport.Envelope, 4096),
		peers:      make(map[string]transport.Transport),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Register attaches a peer's Transport so outbound messages addressed to
// it can be routed, and starts pumping its inbound envelopes into the
// engine's single queue. Safe to call concurrently with Run; the routing
// table is the one piece of engine state guarded by a mutex, since
// connection bookkeeping is not part of the scheduling state model itself.
func (e *Engine) Register(peer string, t transport.Transport) {
	e.mu.Lock()
	e.peers[peer] = t
	e.mu.Unlock()
	go e.pump(t)
}

// Unregister drops a peer's Transport from the routing table. It does not
// by itself remove the peer from scheduler state; callers that also want
// the worker or client torn down should feed a remove-worker or
// remove-client Message through Deliver first.
func (e *Engine) Unregister(peer string) {
	e.mu.Lock()
	delete(e.peers, peer)
	e.mu.Unlock()
}

func (e *Engine) pump(t transport.Transport) {
	for {
		select {
		case env, ok := <-t.Inbound():
			if !ok {
				return
			}
			select {
			case e.inbound <- env:
			case <-e.stopCh:
				return
			}
		case <-e.stopCh:
			return
		}
	}
}

// Deliver injects a message as if it had just arrived from peer, bypassing
// any registered transport. Tests and in-process callers use this.
func (e *Engine) Deliver(peer string, msg stimulus.Message) {
	select {
	case e.inbound <- transport.Envelope{Peer: peer, Msg: msg}:
	case <-e.stopCh:
	}
}

func (e *Engine) send(out stimulus.Outbound) {
	e.mu.Lock()
	t, ok := e.peers[out.Peer]
	e.mu.Unlock()
	if !ok {
		e.logger.Warn().Str("peer", out.Peer).Str("op", out.Op).Msg("no transport registered for peer, dropping")
		return
	}
	if err := t.Send(out); err != nil {
		e.logger.Warn().Err(err).Str("peer", out.Peer).Msg("send failed")
	}
}

func (e *Engine) sendAll(out []stimulus.Outbound) {
	for _, o := range out {
		e.send(o)
	}
}

// Run drives the event loop until Stop is called. It blocks; callers
// typically invoke it as `go e.Run()`.
func (e *Engine) Run() {
	defer close(e.doneCh)

	heartbeatTicker := time.NewTicker(e.cfg.HeartbeatMissThreshold / 2)
	defer heartbeatTicker.Stop()
	stealTicker := time.NewTicker(e.cfg.StealInterval)
	defer stealTicker.Stop()

	for {
		select {
		case env := <-e.inbound:
			e.handle(env)
		case <-heartbeatTicker.C:
			e.sweepStaleWorkers()
		case <-stealTicker.C:
			e.runStealTick()
		case <-e.stopCh:
			return
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

func (e *Engine) handle(env transport.Envelope) {
	defer e.recoverPanic(env)

	msg := env.Msg
	switch msg.Op {
	case stimulus.OpRemoveWorker:
		e.sendAll(failure.HandleWorkerLoss(e.store, e.dispatcher, msg.Address))
		return
	case stimulus.OpHeartbeat:
		e.store.Touch(msg.Worker)
		return
	}

	var out []stimulus.Outbound
	switch msg.Op {
	case stimulus.OpUpdateGraph:
		out = stimulus.UpdateGraph(e.store, e.dispatcher, msg)
	case stimulus.OpTaskFinished:
		out = stimulus.TaskFinished(e.store, e.dispatcher, msg)
		e.recordCompletion(msg.Key, types.TaskMemory, "")
	case stimulus.OpTaskFailed:
		out = stimulus.TaskFailed(e.store, e.dispatcher, msg)
		e.recordCompletion(msg.Key, types.TaskErred, msg.Exception)
	case stimulus.OpAddWorker:
		out = stimulus.AddWorker(e.store, e.dispatcher, msg)
	case stimulus.OpAddKeys:
		out = stimulus.AddKeys(e.store, e.dispatcher, msg)
	case stimulus.OpMissingData:
		out = stimulus.MissingData(e.store, e.dispatcher, msg)
	case stimulus.OpClientReleasesKeys:
		out = stimulus.ClientReleasesKeys(e.store, e.dispatcher, msg)
	case stimulus.OpRemoveClient:
		out = stimulus.RemoveClient(e.store, e.dispatcher, msg)
	default:
		e.logger.Warn().Str("op", msg.Op).Str("peer", env.Peer).Msg("unknown stimulus op")
		return
	}
	e.sendAll(out)
}

func (e *Engine) recordCompletion(key string, state types.TaskState, exception string) {
	if e.audit == nil {
		return
	}
	// A report the store ignored (unknown key, or a late finish for a task
	// already erred or released) is not a transition and is not recorded.
	if t := e.store.Task(key); t == nil || t.State != state {
		return
	}
	e.audit.Append(audit.Record{Key: key, State: state, Exception: exception, At: time.Now()})
}

func (e *Engine) sweepStaleWorkers() {
	for _, addr := range failure.StaleWorkers(e.store, e.cfg.HeartbeatMissThreshold) {
		e.logger.Warn().Str("worker", addr).Msg("worker missed heartbeats, evicting")
		e.sendAll(failure.HandleWorkerLoss(e.store, e.dispatcher, addr))
		e.Unregister(addr)
	}
}

func (e *Engine) runStealTick() {
	for _, a := range e.dispatcher.StealTick() {
		a := a
		e.send(stimulus.FinalizeAssignment(e.store, &a))
	}
}

// recoverPanic implements spec §7's top-level safeguard: a panic while
// handling one stimulus is logged and the loop keeps running rather than
// taking the whole scheduler down with it.
func (e *Engine) recoverPanic(env transport.Envelope) {
	if r := recover(); r != nil {
		e.logger.Error().
			Interface("panic", r).
			Str("op", env.Msg.Op).
			Str("peer", env.Peer).
			Msg("recovered from panic while handling stimulus")
	}
}
