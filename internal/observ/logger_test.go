package observ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerDevelopment(t *testing.T) {
	logger, err := NewLogger("development", "debug")
	require.NoError(t, err)
	assert.Equal(t, "commlink", logger.Name())
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerProduction(t *testing.T) {
	logger, err := NewLogger("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewLoggerBadLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "chatty")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
