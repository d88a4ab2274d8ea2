// Command collage_usernode runs one user node: it owns a directory of images,
// votes on collages that use them and deletes them when a collage commits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/approval"
	"github.com/sushant-115/collagecommit/core/participant"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/wal"
	"github.com/sushant-115/collagecommit/internal/bootstrap"
	"github.com/sushant-115/collagecommit/pkg/config"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath  = flag.String("config", "", "Path to the YAML config file")
	nodeID      = flag.String("node_id", "", "User node identity (overrides config)")
	dataDir     = flag.String("data_dir", "", "Directory for the log and images (overrides config)")
	listenAddr  = flag.String("listen_addr", "", "Transport listen address (overrides config)")
	coordinator = flag.String("coordinator_addr", "", "Coordinator transport address (overrides config)")
	approveMode = flag.String("approve", "", "Approval mode: always, never, policy or prompt (overrides config)")
)

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		os.Exit(2)
	}

	node, err := bootstrap.Open(cfg, "collage-usernode", wal.RoleParticipant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to start user node: %v\n", err)
		os.Exit(1)
	}
	logger := node.Logger
	logger.Info("Starting user node",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("listen_addr", cfg.Transport.ListenAddr),
		zap.String("resources", cfg.ResourceDir),
		zap.String("approval", cfg.Approval.Mode),
	)

	approver, closeApprover, err := buildApprover(cfg)
	if err != nil {
		logger.Fatal("CRITICAL: failed to build approver", zap.Error(err))
	}
	defer closeApprover()

	resources, err := storage.NewDirResourceStore(cfg.ResourceDir, logger)
	if err != nil {
		logger.Fatal("CRITICAL: failed to open resource directory", zap.Error(err))
	}
	p := participant.New(participant.Config{
		NodeID:        cfg.NodeID,
		CoordinatorID: cfg.CoordinatorID,
	}, node.Log, node.Transport, approver, resources,
		participant.WithLogger(logger),
		participant.WithMetrics(node.Metrics),
	)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := p.Recover(ctx); err != nil {
		logger.Fatal("CRITICAL: recovery failed", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.Serve(ctx, node.Transport) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down user node")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("receive loop stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func buildApprover(cfg *config.Config) (approval.Approver, func(), error) {
	if cfg.Approval.Mode != approval.ModePrompt {
		a, err := approval.FromMode(cfg.Approval.Mode, cfg.Approval.Deny)
		return a, func() {}, err
	}
	prompt, err := approval.NewPrompt(cfg.NodeID)
	if err != nil {
		return nil, nil, err
	}
	return approval.NewPolicy(cfg.Approval.Deny, prompt), func() { _ = prompt.Close() }, nil
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
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.ResourceDir = ""
		cfg.ArtifactDir = ""
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddr = *listenAddr
	}
	if *coordinator != "" {
		if cfg.Transport.Peers == nil {
			cfg.Transport.Peers = map[string]string{}
		}
		cfg.Transport.Peers[cfg.CoordinatorID] = *coordinator
	}
	if *approveMode != "" {
		cfg.Approval.Mode = *approveMode
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
