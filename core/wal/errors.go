package wal

import "errors"

// --- Error Definitions ---

var (
	// ErrDurability wraps every failure to write or fsync a log record.
	// Callers must treat it as fatal: the commit protocol is only safe when
	// records are durable before the matching message leaves the process.
	ErrDurability = errors.New("durability failure")
	// ErrCorruptRecord is returned by ReadAll for a complete line that cannot be parsed.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrInvalidField is returned when a record field is empty or contains a delimiter.
	ErrInvalidField = errors.New("invalid log record field")
	// ErrLogClosed is returned by Append after Close.
	ErrLogClosed = errors.New("log is closed")
)
