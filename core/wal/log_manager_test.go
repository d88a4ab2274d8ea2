package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, role Role) (*LogManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.log")
	lm, err := NewLogManager(path, role, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm, path
}

// --- Test Cases ---

func TestLogManager_CoordinatorLineFormat(t *testing.T) {
	lm, path := setupLogManager(t, RoleCoordinator)

	require.NoError(t, lm.Append(Intent("c1.jpg", []string{"a:1.jpg", "b:2.jpg"})))
	require.NoError(t, lm.Append(Decision("c1.jpg", true)))
	require.NoError(t, lm.Append(Applied("c1.jpg")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "INTENT;c1.jpg;a:1.jpg;b:2.jpg\nDECISION;c1.jpg;true\nAPPLIED;c1.jpg\n", string(raw))
}

func TestLogManager_ParticipantLineFormat(t *testing.T) {
	lm, path := setupLogManager(t, RoleParticipant)

	require.NoError(t, lm.Append(Vote("c1.jpg", true, []string{"1.jpg", "3.jpg"})))
	require.NoError(t, lm.Append(Vote("c2.jpg", false, []string{"1.jpg"})))
	require.NoError(t, lm.Append(Decision("c1.jpg", false)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "VOTE;true;c1.jpg;1.jpg;3.jpg\nVOTE;false;c2.jpg;1.jpg\nDECISION;false;c1.jpg\n", string(raw))
}

// TestLogManager_ReopenAndReplay simulates a process restart: a second
// LogManager over the same file must see every record in write order and
// keep appending after them.
func TestLogManager_ReopenAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Server.log")

	lm1, err := NewLogManager(path, RoleCoordinator, nil)
	require.NoError(t, err)
	require.NoError(t, lm1.Append(Intent("c1.jpg", []string{"a:1.jpg"})))
	require.NoError(t, lm1.Append(Decision("c1.jpg", false)))
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(path, RoleCoordinator, nil)
	require.NoError(t, err)
	defer lm2.Close()
	require.NoError(t, lm2.Append(Applied("c1.jpg")))

	records, err := lm2.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []Record{
		{Type: RecordIntent, TxnID: "c1.jpg", Items: []string{"a:1.jpg"}},
		{Type: RecordDecision, TxnID: "c1.jpg", Outcome: false},
		{Type: RecordApplied, TxnID: "c1.jpg"},
	}, records)
}

func TestLogManager_MissingFileIsEmpty(t *testing.T) {
	lm, path := setupLogManager(t, RoleParticipant)
	require.NoError(t, lm.Close())
	require.NoError(t, os.Remove(path))

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLogManager_TornTailIgnored(t *testing.T) {
	lm, path := setupLogManager(t, RoleParticipant)
	require.NoError(t, lm.Append(Vote("c1.jpg", true, []string{"1.jpg"})))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("DECISION;tr")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, RecordVote, records[0].Type)
}

func TestLogManager_CorruptLineFailsReplay(t *testing.T) {
	lm, path := setupLogManager(t, RoleCoordinator)
	require.NoError(t, os.WriteFile(path, []byte("INTENT;c1.jpg;a:1.jpg\nDECISION;c1.jpg;maybe\n"), 0644))

	_, err := lm.ReadAll()
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestLogManager_RejectsInvalidFields(t *testing.T) {
	lm, _ := setupLogManager(t, RoleCoordinator)

	require.ErrorIs(t, lm.Append(Intent("bad;name", nil)), ErrInvalidField)
	require.ErrorIs(t, lm.Append(Intent("c1.jpg", []string{"a:1\n.jpg"})), ErrInvalidField)
	require.ErrorIs(t, lm.Append(Vote("c1.jpg", true, nil)), ErrInvalidField, "VOTE is a participant record")

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLogManager_AppendAfterClose(t *testing.T) {
	lm, _ := setupLogManager(t, RoleCoordinator)
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())
	require.ErrorIs(t, lm.Append(Applied("c1.jpg")), ErrLogClosed)
}

// TestLogManager_ReopenTrimsTornTail covers a crash in the middle of an
// append: the next process must not glue its first record onto the
// fragment, and every later restart must replay cleanly.
func TestLogManager_ReopenTrimsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Server.log")
	require.NoError(t, os.WriteFile(path, []byte("INTENT;c1;a:1\nDECISION;c1;tr"), 0644))

	lm1, err := NewLogManager(path, RoleCoordinator, nil)
	require.NoError(t, err)
	records, err := lm1.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, lm1.Append(Decision("c1", false)))
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(path, RoleCoordinator, nil)
	require.NoError(t, err)
	defer lm2.Close()
	records, err = lm2.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []Record{
		{Type: RecordIntent, TxnID: "c1", Items: []string{"a:1"}},
		{Type: RecordDecision, TxnID: "c1", Outcome: false},
	}, records)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "INTENT;c1;a:1\nDECISION;c1;false\n", string(raw))
}

func TestLogManager_ReopenTrimsFragmentOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice.log")
	require.NoError(t, os.WriteFile(path, []byte("VOTE;tr"), 0644))

	lm, err := NewLogManager(path, RoleParticipant, nil)
	require.NoError(t, err)
	defer lm.Close()
	require.NoError(t, lm.Append(Vote("c1", true, []string{"1.jpg"})))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "VOTE;true;c1;1.jpg\n", string(raw))
}
