package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/wal"
	"github.com/sushant-115/collagecommit/pkg/config"
)

func testConfig(t *testing.T, id, kind string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = id
	cfg.DataDir = t.TempDir()
	cfg.Transport.Kind = kind
	cfg.Transport.ListenAddr = "127.0.0.1:0"
	cfg.Logger.OutputFile = filepath.Join(cfg.DataDir, id+".out")
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOpen_FileBackendOverTCP(t *testing.T) {
	cfg := testConfig(t, "Server", config.TransportTCP)
	node, err := Open(cfg, "collage-coordinator", wal.RoleCoordinator)
	require.NoError(t, err)

	require.Equal(t, "Server", node.Transport.LocalID())
	require.NoError(t, node.Log.Append(wal.Intent("c1.jpg", []string{"alice:1.jpg"})))
	require.FileExists(t, filepath.Join(cfg.DataDir, "Server.log"))
	require.NoError(t, node.Close(context.Background()))
}

func TestOpen_BoltBackend(t *testing.T) {
	cfg := testConfig(t, "alice", config.TransportGRPC)
	cfg.LogBackend = config.BackendBolt
	node, err := Open(cfg, "collage-usernode", wal.RoleParticipant)
	require.NoError(t, err)
	defer node.Close(context.Background())

	require.IsType(t, &wal.BoltLog{}, node.Log)
	require.FileExists(t, filepath.Join(cfg.DataDir, "alice.db"))
}

func TestOpenTransport_QUICSelfSigned(t *testing.T) {
	cfg := testConfig(t, "bob", config.TransportQUIC)
	tr, err := OpenTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "bob", tr.LocalID())
	require.NoError(t, tr.Close())
}

func TestOpenTransport_Unknown(t *testing.T) {
	cfg := testConfig(t, "bob", config.TransportTCP)
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := OpenTransport(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestSignalContext(t *testing.T) {
	ctx, cancel := SignalContext()
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}
