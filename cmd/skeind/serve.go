package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskgraph/skein/pkg/audit"
	"github.com/taskgraph/skein/pkg/config"
	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/engine"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/stimulus"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.WithComponent("serve")

	var auditLog *audit.Log
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer auditLog.Close()
	}

	st := store.New()
	d := dispatch.New(st).WithPolicy(dispatch.SlackPolicy{Slack: cfg.StackSlack})
	e := engine.New(st, d, auditLog, engine.Config{
		HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
		StealInterval:          cfg.StealInterval,
	})
	go e.Run()
	defer e.Stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("listening for workers and clients")

	go serveMetrics(cfg.MetricsAddr)
	go acceptLoop(ln, e)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("serve").Error().Err(err).Msg("metrics server exited")
	}
}

// acceptLoop accepts raw TCP connections and hands each to handleConn.
// Generalized from teacher's pkg/api/server.go NewServer+Start(addr) shape:
// that server wraps a grpc.Server around the listener, but no protobuf
// service survives the transform, so this accepts into pkg/transport.Conn
// directly instead.
func acceptLoop(ln net.Listener, e *engine.Engine) {
	logger := log.WithComponent("serve")
	for {
		nc, err := ln.Accept()
		if err != nil {
			logger.Warn().Err(err).Msg("accept failed, stopping accept loop")
			return
		}
		go handleConn(nc, e)
	}
}

// handleConn performs a one-frame handshake to learn the peer's identity
// (a worker's address from an add-worker message, or a client's ID from
// any client-originated op) before registering a pkg/transport.Conn for
// it, since Conn itself is peer-name-agnostic until told. The handshake
// frame is read raw (no buffering layer) so the Conn constructed
// afterward starts reading exactly where the handshake left off.
func handleConn(nc net.Conn, e *engine.Engine) {
	// Connections are logged under an opaque ID until the handshake names
	// a peer, since a handshake failure never gets a worker/client address
	// to attach to its log line otherwise.
	connID := uuid.New().String()
	logger := log.WithComponent("serve").With().Str("conn_id", connID).Logger()

	batch, err := transport.ReadFrame(nc)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake read failed, closing connection")
		nc.Close()
		return
	}
	peer, ok := peerOf(batch)
	if !ok {
		logger.Warn().Msg("handshake frame named no peer, closing connection")
		nc.Close()
		return
	}

	inbound := make(chan transport.Envelope, 64)
	conn := transport.NewConn(peer, nc, inbound)
	e.Register(peer, conn) // pumps conn.Inbound() into the engine from here on

	for _, msg := range batch {
		e.Deliver(peer, msg)
	}
}

func peerOf(batch []stimulus.Message) (string, bool) {
	for _, msg := range batch {
		switch {
		case msg.Address != "":
			return msg.Address, true
		case msg.Client != "":
			return msg.Client, true
		case msg.Worker != "":
			return msg.Worker, true
		}
	}
	return "", false
}
