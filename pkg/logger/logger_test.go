package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	logger, err := New(Config{Level: "debug", Format: "json", OutputFile: path, Service: "usernode", Node: "alice"})
	require.NoError(t, err)
	logger.Debug("voted")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	require.Equal(t, "DEBUG", entries[0]["level"])
	require.Equal(t, "voted", entries[0]["msg"])
	require.Equal(t, "usernode", entries[0]["service"])
	require.Equal(t, "alice", entries[0]["node"])
}

func TestNew_LevelFiltersAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	logger, err := New(Config{Level: "warn", OutputFile: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0]["msg"])
	require.Equal(t, "collagecommit", entries[0]["service"])
	require.NotContains(t, entries[0], "node")
}

func TestNew_NodePlaceholderAndDirectories(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "logs", NodePlaceholder+".log")

	for _, node := range []string{"alice", "bob"} {
		logger, err := New(Config{OutputFile: pattern, Node: node})
		require.NoError(t, err)
		logger.Info("started")
		require.NoError(t, logger.Sync())
	}
	require.Equal(t, "alice", readEntries(t, filepath.Join(dir, "logs", "alice.log"))[0]["node"])
	require.Equal(t, "bob", readEntries(t, filepath.Join(dir, "logs", "bob.log"))[0]["node"])

	_, err := New(Config{OutputFile: pattern})
	require.Error(t, err)
}

func TestNew_DevelopmentAddsStacktrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	logger, err := New(Config{OutputFile: path, Development: true})
	require.NoError(t, err)
	logger.Warn("slow ack")
	require.NoError(t, logger.Sync())

	entries := readEntries(t, path)
	require.Contains(t, entries[0], "stacktrace")
}

func TestNew_BadOutputFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err := New(Config{OutputFile: filepath.Join(blocker, "node.log")})
	require.Error(t, err)
}
