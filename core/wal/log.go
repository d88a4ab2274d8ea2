// Package wal implements the append-only, fsync-backed log that coordinator
// and participant processes replay at startup.
package wal

import (
	"fmt"

	"go.uber.org/zap"
)

// Log is a durable, append-only record store.
//
// Append returns only after the record is on stable storage. Write and sync
// failures wrap ErrDurability and the caller must not act on the record. ReadAll
// returns the records in write order; a log that was never written is empty.
type Log interface {
	Append(rec Record) error
	ReadAll() ([]Record, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Open picks a backend by name. The file backend is used when backend is empty.
func Open(backend, path string, role Role, logger *zap.Logger) (Log, error) {
	switch backend {
	case "", BackendFile:
		return NewLogManager(path, role, logger)
	case BackendBolt:
		return OpenBoltLog(path, role, logger)
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}
