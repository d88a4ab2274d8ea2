// Package bootstrap holds the process wiring shared by the coordinator and
// user node binaries: logger, telemetry, durable log and transport, all
// built from a config.Config.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/transport"
	"github.com/sushant-115/collagecommit/core/transport/grpctransport"
	"github.com/sushant-115/collagecommit/core/transport/quictransport"
	"github.com/sushant-115/collagecommit/core/transport/tcp"
	"github.com/sushant-115/collagecommit/core/wal"
	internaltelemetry "github.com/sushant-115/collagecommit/internal/telemetry"
	"github.com/sushant-115/collagecommit/internal/tlsutil"
	"github.com/sushant-115/collagecommit/pkg/config"
	"github.com/sushant-115/collagecommit/pkg/logger"
	"github.com/sushant-115/collagecommit/pkg/telemetry"
)

// Node is the infrastructure of one running process.
type Node struct {
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *internaltelemetry.CommitMetrics
	Log       wal.Log
	Transport transport.Transport

	shutdownTelemetry telemetry.ShutdownFunc
}

// Open builds every piece of infrastructure for cfg, which must be valid.
// service names the process in logs and metrics.
func Open(cfg *config.Config, service string, role wal.Role) (*Node, error) {
	if cfg.Logger.Service == "" {
		cfg.Logger.Service = service
	}
	cfg.Logger.Node = cfg.NodeID
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.Telemetry.ServiceName == "" || cfg.Telemetry.ServiceName == "collagecommit" {
		cfg.Telemetry.ServiceName = service
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := internaltelemetry.NewCommitMetrics(tel.Meter)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log, err := wal.Open(cfg.LogBackend, cfg.LogPath(), role, zlogger)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	tr, err := OpenTransport(cfg, zlogger)
	if err != nil {
		_ = log.Close()
		_ = shutdown(context.Background())
		return nil, err
	}

	return &Node{
		Config:            cfg,
		Logger:            zlogger,
		Telemetry:         tel,
		Metrics:           metrics,
		Log:               log,
		Transport:         tr,
		shutdownTelemetry: shutdown,
	}, nil
}

// OpenTransport starts the transport named by cfg.Transport.Kind.
func OpenTransport(cfg *config.Config, zlogger *zap.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	var (
		tr  transport.Transport
		err error
	)
	switch tc.Kind {
	case config.TransportTCP:
		var t *tcp.Transport
		t, err = tcp.Listen(tcp.Config{NodeID: cfg.NodeID, ListenAddr: tc.ListenAddr, Peers: tc.Peers}, zlogger)
		tr = t
	case config.TransportGRPC:
		var t *grpctransport.Transport
		t, err = grpctransport.Listen(grpctransport.Config{NodeID: cfg.NodeID, ListenAddr: tc.ListenAddr, Peers: tc.Peers}, zlogger)
		tr = t
	case config.TransportQUIC:
		pair, perr := tlsPair(tc.TLS, zlogger)
		if perr != nil {
			return nil, perr
		}
		var t *quictransport.Transport
		t, err = quictransport.Listen(quictransport.Config{
			NodeID:     cfg.NodeID,
			ListenAddr: tc.ListenAddr,
			Peers:      tc.Peers,
			ServerTLS:  pair.Server,
			ClientTLS:  pair.Client,
		}, zlogger)
		tr = t
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start %s transport: %w", tc.Kind, err)
	}
	return tr, nil
}

func tlsPair(tc config.TLSConfig, zlogger *zap.Logger) (*tlsutil.Pair, error) {
	if tc.Empty() {
		zlogger.Warn("no TLS material configured, using a self-signed certificate")
		return tlsutil.SelfSigned()
	}
	return tlsutil.Load(filepath.Clean(tc.CACert), filepath.Clean(tc.Cert), filepath.Clean(tc.Key))
}

// Close releases the transport, the log and telemetry, in that order.
func (n *Node) Close(ctx context.Context) error {
	var firstErr error
	if err := n.Transport.Close(); err != nil {
		firstErr = err
	}
	if err := n.Log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.shutdownTelemetry(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = n.Logger.Sync()
	return firstErr
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
