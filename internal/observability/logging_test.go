package observability

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/levelsim/internal/config"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: format})
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}
}

func TestNewLogger_AppliesLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewLogger(config.LoggingConfig{Level: level, Format: "json"})
		require.NoError(t, err, "level %q should be valid", level)
		want, err := zapcore.ParseLevel(level)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(want))
		if want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(want-1))
		}
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"})
	assert.Error(t, err)
	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestSessionAndWorkerLoggers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	id := uuid.New()

	session := SessionLogger(zap.New(core), id, "hospital")
	WorkerLogger(session, WorkerPhysics).Info("physics world set up")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "physics", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, id.String(), fields["session"])
	assert.Equal(t, "hospital", fields["level"])
	assert.Equal(t, "physics", fields["worker"])
}
