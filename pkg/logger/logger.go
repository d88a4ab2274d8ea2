// Package logger builds the zap loggers used by the coordinator, the user
// nodes and the CLI. Every entry carries the process's service and node.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodePlaceholder in OutputFile is replaced by the node identity, so that
// several user nodes can share one configuration file.
const NodePlaceholder = "{node}"

const defaultService = "collagecommit"

// Config controls level, encoding and destination of log entries.
type Config struct {
	// Level is the minimum level: debug, info, warn or error. Unknown or
	// empty values mean info.
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is "stdout" (default), "stderr" or a file path, which may
	// contain NodePlaceholder. Missing parent directories are created.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "collagecommit".
	Service string `yaml:"service"`
	// Development adds stack traces to warnings and makes DPanic panic.
	Development bool `yaml:"development"`
	// Node is the identity of the running node; set by the process, not
	// read from YAML.
	Node string `yaml:"-"`
}

// New builds the process logger from config.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	sink, err := openSink(config.OutputFile, config.Node)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(config.Format), sink, level)

	service := config.Service
	if service == "" {
		service = defaultService
	}
	fields := []zap.Field{zap.String("service", service)}
	if config.Node != "" {
		fields = append(fields, zap.String("node", config.Node))
	}

	opts := []zap.Option{zap.AddCaller(), zap.Fields(fields...)}
	if config.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zap.WarnLevel))
	} else {
		opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// openSink resolves the destination, expanding NodePlaceholder in file paths.
func openSink(outputFile, node string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	path := outputFile
	if strings.Contains(path, NodePlaceholder) {
		if node == "" {
			return nil, fmt.Errorf("log output %s names %s but no node identity is set", outputFile, NodePlaceholder)
		}
		path = strings.ReplaceAll(path, NodePlaceholder, node)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return zapcore.Lock(file), nil
}
