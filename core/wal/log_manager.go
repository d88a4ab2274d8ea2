package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogManager is the line-oriented file backend of Log. Each record is one
// line; every Append is followed by an fsync of the file.
type LogManager struct {
	path   string
	role   Role
	logger *zap.Logger

	mu      sync.Mutex // serializes appends and protects logFile
	logFile *os.File
}

// NewLogManager opens (creating if needed) the log file at path.
func NewLogManager(path string, role Role, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	logger = logger.Named("wal").With(zap.String("path", path), zap.Stringer("role", role))
	if err := trimTornTail(path, logger); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	lm := &LogManager{
		path:    path,
		role:    role,
		logger:  logger,
		logFile: logFile,
	}
	lm.logger.Debug("log manager opened")
	return lm, nil
}

// trimTornTail cuts the file back to just after its last newline, dropping
// the fragment of an append interrupted by a crash. Appends made after
// reopening must start on a fresh line.
func trimTornTail(path string, logger *zap.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file %s: %w", path, err)
	}
	size := info.Size()
	keep := int64(0)
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read log file %s: %w", path, err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}
	if keep == size {
		return nil
	}

	logger.Warn("truncating torn log record at end of file",
		zap.Int64("offset", keep), zap.Int64("dropped_bytes", size-keep))
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrDurability, path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrDurability, path, err)
	}
	return nil
}

// Path returns the location of the log file.
func (lm *LogManager) Path() string { return lm.path }

// Append encodes rec, writes it and fsyncs the file before returning.
func (lm *LogManager) Append(rec Record) error {
	line, err := lm.role.Encode(rec)
	if err != nil {
		return err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return ErrLogClosed
	}

	if _, err := lm.logFile.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrDurability, lm.path, err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", ErrDurability, lm.path, err)
	}
	lm.logger.Debug("appended log record", zap.String("line", line))
	return nil
}

// ReadAll replays the file from the beginning. A missing file is an empty
// log. A final line without its newline is the trace of a crash in the
// middle of an append and is skipped.
func (lm *LogManager) ReadAll() ([]Record, error) {
	f, err := os.Open(lm.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s for replay: %w", lm.path, err)
	}
	defer f.Close()

	var records []Record
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				lm.logger.Warn("ignoring torn log record at end of file",
					zap.Int("line_no", lineNo), zap.String("fragment", line))
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log file %s: %w", lm.path, err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		rec, err := lm.role.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", lm.path, lineNo, err)
		}
		records = append(records, rec)
	}
	lm.logger.Info("log replayed", zap.Int("records", len(records)))
	return records, nil
}

// Close syncs and closes the log file. It is safe to call more than once.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil
	}
	syncErr := lm.logFile.Sync()
	closeErr := lm.logFile.Close()
	lm.logFile = nil
	if syncErr != nil {
		return fmt.Errorf("failed to sync log file %s on close: %w", lm.path, syncErr)
	}
	return closeErr
}
