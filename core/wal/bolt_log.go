package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// BoltLog is the BoltDB backend of Log. Records are stored as raft.Log
// entries with consecutive indexes; every StoreLog is a committed (and
// therefore fsynced) bolt transaction.
type BoltLog struct {
	role   Role
	logger *zap.Logger

	mu        sync.Mutex
	store     *raftboltdb.BoltStore
	lastIndex uint64
}

// OpenBoltLog opens (creating if needed) the bolt file at path.
func OpenBoltLog(path string, role Role, logger *zap.Logger) (*BoltLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log %s: %w", path, err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read last index of %s: %w", path, err)
	}
	bl := &BoltLog{
		role:      role,
		logger:    logger.Named("wal").With(zap.String("path", path), zap.Stringer("role", role)),
		store:     store,
		lastIndex: last,
	}
	bl.logger.Debug("bolt log opened", zap.Uint64("last_index", last))
	return bl, nil
}

// Append stores rec under the next index.
func (bl *BoltLog) Append(rec Record) error {
	line, err := bl.role.Encode(rec)
	if err != nil {
		return err
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.store == nil {
		return ErrLogClosed
	}

	entry := &raft.Log{
		Index:      bl.lastIndex + 1,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       []byte(line),
		AppendedAt: time.Now(),
	}
	if err := bl.store.StoreLog(entry); err != nil {
		return fmt.Errorf("%w: store index %d: %v", ErrDurability, entry.Index, err)
	}
	bl.lastIndex = entry.Index
	bl.logger.Debug("appended log record", zap.Uint64("index", entry.Index), zap.String("line", line))
	return nil
}

// ReadAll returns every stored record in index order.
func (bl *BoltLog) ReadAll() ([]Record, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.store == nil {
		return nil, ErrLogClosed
	}

	first, err := bl.store.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read first index: %w", err)
	}
	if first == 0 {
		return nil, nil
	}

	records := make([]Record, 0, bl.lastIndex-first+1)
	for idx := first; idx <= bl.lastIndex; idx++ {
		var entry raft.Log
		if err := bl.store.GetLog(idx, &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				return nil, fmt.Errorf("%w: missing index %d", ErrCorruptRecord, idx)
			}
			return nil, fmt.Errorf("failed to read index %d: %w", idx, err)
		}
		rec, err := bl.role.Decode(string(entry.Data))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		records = append(records, rec)
	}
	bl.logger.Info("log replayed", zap.Int("records", len(records)))
	return records, nil
}

// Close closes the bolt file. It is safe to call more than once.
func (bl *BoltLog) Close() error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.store == nil {
		return nil
	}
	err := bl.store.Close()
	bl.store = nil
	return err
}
