package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger for the given mode, which should be
// "development" or "production".
func NewLogger(mode string) (*zap.Logger, error) {
	switch mode {
	case "development", "dev":
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()

	case "production", "prod":
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()

	default:
		return nil, fmt.Errorf("telemetry: unknown logger mode %q (want 'development' or 'production')", mode)
	}
}

// NewReplicaLogger builds a logger for one replica, tagging every entry with
// its moniker so multi-replica logs interleave legibly.
func NewReplicaLogger(mode, moniker string) (*zap.Logger, error) {
	logger, err := NewLogger(mode)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("moniker", moniker)), nil
}

// NewNopLogger returns a no-op logger for tests.
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
