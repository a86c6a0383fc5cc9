// Package natsserver runs an in-process NATS server for single-box setups.
package natsserver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-render/internal/config"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer wraps a NATS server instance.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the config does not ask for one. A port of -1 picks a
// free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:      "0.0.0.0",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, log: log}
	log.Info("embedded NATS server started",
		slog.String("url", e.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))
	return e, nil
}

// ClientURL is the loopback URL clients on this host should dial.
func (e *EmbeddedServer) ClientURL() string {
	if addr, ok := e.ns.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("nats://127.0.0.1:%d", addr.Port)
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
