package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Variant selects a logger construction profile
type Variant string

const (
	VariantDevelopment Variant = "development"
	VariantProduction  Variant = "production"
	VariantConsoleOnly Variant = "console"
	VariantSilent      Variant = "silent"
)

// NewLogger builds the ambient zap logger for a variant. Unknown
// variants fall back to production.
func NewLogger(variant Variant, level zapcore.Level) *zap.Logger {
	switch variant {
	case VariantDevelopment:
		return newDevelopment(level)
	case VariantConsoleOnly:
		return newConsole(level)
	case VariantSilent:
		return zap.NewNop()
	default:
		return newProduction(level)
	}
}

func newProduction(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newDevelopment(level zapcore.Level) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newConsole(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// NewAuditSink builds the batched audit log pipeline for a variant:
// console transports feed through the breaker so a wedged destination
// degrades to drops instead of blocking producers.
func NewAuditSink(variant Variant, cfg BatchConfig, fallback *zap.Logger) *BatchLogger {
	if variant == VariantSilent {
		return NewBatchLogger(cfg, fallback)
	}

	level := zapcore.InfoLevel
	if variant == VariantDevelopment {
		level = zapcore.DebugLevel
	}
	transport := NewBreakerTransport(NewConsoleTransport(level), BreakerSettings{}, fallback)
	return NewBatchLogger(cfg, fallback, transport)
}
