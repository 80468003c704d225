// Package observability provides logging and Prometheus metrics for the
// dungeon server.
package observability

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/dungeon/internal/config"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// NewLogger creates a structured logger from the given logging configuration.
// Every entry carries a "service" field naming the binary.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if service != "" {
		zapCfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// MessageFields describes m for a log entry. Frame bodies are reduced to
// their line count.
func MessageFields(m protocol.Message) []zap.Field {
	fields := []zap.Field{zap.String("verb", m.Verb)}
	if protocol.IsFramed(m.Verb) {
		return append(fields, zap.Int("frame_lines", len(m.Body)))
	}
	if m.Arg != "" {
		fields = append(fields, zap.String("arg", m.Arg))
	}
	return fields
}

// SessionField tags an entry with a session id.
func SessionField(id uint64) zap.Field {
	return zap.String("session_id", strconv.FormatUint(id, 10))
}
