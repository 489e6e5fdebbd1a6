// Package observability provides structured logging and the gRPC health
// endpoint.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/parley/internal/config"
)

// encoders maps a logging.format value to its zap encoder.
var encoders = map[string]func(zapcore.EncoderConfig) zapcore.Encoder{
	"json":    zapcore.NewJSONEncoder,
	"console": zapcore.NewConsoleEncoder,
}

// NewLogger builds the process logger writing to stderr. A non-empty
// component is stamped on every entry as "component".
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, component string) (*zap.Logger, error) {
	return buildLogger(cfg, component, zapcore.Lock(os.Stderr))
}

func buildLogger(cfg config.LoggingConfig, component string, out zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	newEncoder, ok := encoders[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// No sampling: per-frame debug entries must all reach the sink.
	core := zapcore.NewCore(newEncoder(encCfg), out, zap.NewAtomicLevelAt(level))
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	)
	if component != "" {
		logger = logger.With(zap.String("component", component))
	}
	return logger, nil
}
