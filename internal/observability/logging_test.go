package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/guessio/drawserver/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "console"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "trace", Format: "json"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "xml"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_LevelApplied(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestSecret_Redacts(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("spawn", Secret("oauth", "oauth:abcdef123456"))

	entries := logs.All()
	require.Len(t, entries, 1)
	got := entries[0].ContextMap()["oauth"]
	assert.Equal(t, "oauth:<redacted 18 chars>", got)
}

func TestSecret_Empty(t *testing.T) {
	f := Secret("oauth", "")
	assert.Equal(t, "<empty>", f.String)
}

// Property: the redacted field never contains the part of the secret after its scheme.
func TestPropertySecret_NeverLeaksBody(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.StringMatching(`[0-9]{8,40}`).Draw(t, "body")
		f := Secret("oauth", "oauth:"+body)
		assert.NotContains(t, f.String, body)
	})
}
