// Package observability provides structured logging for the simulation and its workers.
package observability

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/levelsim/internal/config"
)

// Worker names used for session sub-loggers.
const (
	WorkerCrowd     = "crowd"
	WorkerDoors     = "doors"
	WorkerNavmesh   = "navmesh"
	WorkerPhysics   = "physics"
	WorkerScripting = "scripting"
	WorkerObserver  = "observer"
)

// NewLogger creates the process logger. Every entry carries the service name, and durations
// are written as strings so build and step timings read the same in both formats.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// Per-tick way-point and collision logs must not be sampled away.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	zapCfg.InitialFields = map[string]any{"service": "levelsim"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// SessionLogger tags base with the session id and level key.
//
// Precondition: base must not be nil.
func SessionLogger(base *zap.Logger, session uuid.UUID, level string) *zap.Logger {
	return base.With(zap.String("session", session.String()), zap.String("level", level))
}

// WorkerLogger returns the named sub-logger for one component of a session.
func WorkerLogger(session *zap.Logger, worker string) *zap.Logger {
	return session.Named(worker).With(zap.String("worker", worker))
}
