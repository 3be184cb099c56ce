// Package observability provides logging utilities for the draw server.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guessio/drawserver/internal/config"
)

// ServiceName is attached to every log entry produced by NewLogger.
const ServiceName = "drawserver"

// NewLogger creates a structured logger from the given logging configuration.
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
		// Chat traffic arrives in bursts; sampling would hide individual guesses.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]interface{}{"service": ServiceName}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Secret returns a field that records only the shape of a credential:
// its scheme prefix (e.g. "oauth:") and length.
//
// Postcondition: The returned field never contains the secret body.
func Secret(key, value string) zap.Field {
	if value == "" {
		return zap.String(key, "<empty>")
	}
	scheme := ""
	if i := strings.IndexByte(value, ':'); i >= 0 && i < 16 {
		scheme = value[:i+1]
	}
	return zap.String(key, fmt.Sprintf("%s<redacted %d chars>", scheme, len(value)))
}
