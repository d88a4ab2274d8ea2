// Command collage_coordinator runs the coordinator: it recovers its log,
// resumes unfinished collages, receives votes and acks from user nodes and
// accepts new collages over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/collagecommit/core/coordinator"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/wal"
	"github.com/sushant-115/collagecommit/internal/bootstrap"
	"github.com/sushant-115/collagecommit/pkg/config"
)

const httpShutdownTimeout = 5 * time.Second

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	nodeID     = flag.String("node_id", "", "Coordinator identity (overrides config)")
	dataDir    = flag.String("data_dir", "", "Directory for the log and collages (overrides config)")
	listenAddr = flag.String("listen_addr", "", "Transport listen address (overrides config)")
	httpAddr   = flag.String("http_addr", "", "HTTP submit API address (overrides config)")
)

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		os.Exit(2)
	}

	node, err := bootstrap.Open(cfg, "collage-coordinator", wal.RoleCoordinator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to start coordinator: %v\n", err)
		os.Exit(1)
	}
	logger := node.Logger
	logger.Info("Starting collage coordinator",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("listen_addr", cfg.Transport.ListenAddr),
		zap.String("http_addr", cfg.HTTP.ListenAddr),
		zap.String("log", cfg.LogPath()),
	)

	artifacts, err := storage.NewFileArtifactStore(cfg.ArtifactDir, logger)
	if err != nil {
		logger.Fatal("CRITICAL: failed to open artifact store", zap.Error(err))
	}
	reg := coordinator.NewRegistry(coordinator.Config{
		NodeID:      cfg.NodeID,
		VoteTimeout: cfg.Protocol.VoteTimeout,
		AckTimeout:  cfg.Protocol.AckTimeout,
	}, node.Log, node.Transport, artifacts,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(node.Metrics),
		coordinator.WithTracer(node.Telemetry.Tracer),
	)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := reg.Recover(ctx); err != nil {
		logger.Fatal("CRITICAL: recovery failed", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- reg.Serve(ctx, node.Transport) }()

	var httpServer *http.Server
	if cfg.HTTP.ListenAddr != "" {
		limiter := rate.NewLimiter(rate.Limit(cfg.HTTP.SubmitRate), cfg.HTTP.SubmitBurst)
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           newAPIServer(reg, limiter, node.Telemetry.MetricsHandler, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", zap.Error(err))
				stop()
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down coordinator")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("receive loop stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.Error(err))
		}
	}
	_ = reg.Close()
	if err := node.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if cfg.NodeID == "" {
		cfg.NodeID = coordinator.DefaultID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.ArtifactDir = ""
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddr = *listenAddr
	}
	if *httpAddr != "" {
		cfg.HTTP.ListenAddr = *httpAddr
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
