// Package logging builds the structured, PII-safe zap.Logger shared by
// every component of the service. Every entry — message and fields
// alike — passes through redaction before it reaches the underlying
// sink, so callers get defense-in-depth even if they forget to redact
// at the call site.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for level and format ("json" or
// "human"). It mirrors the teacher's buildLogger: zap.NewProductionConfig
// for JSON output, zap.NewDevelopmentConfig for a human-readable console
// sink, with the level applied on top — then wraps the resulting core in
// a redactingCore so every field is sanitized before serialization.
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "human" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &redactingCore{Core: core}
	}))
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// redactingCore decorates a zapcore.Core, redacting the message and every
// field of each entry before delegating to the wrapped core. It never
// mutates the caller's zap.Field slice; it builds sanitized copies.
type redactingCore struct {
	zapcore.Core
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactString(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zapcore.Field) zapcore.Field {
	if IsReservedKey(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	if f.Type == zapcore.StringType {
		f.String = RedactString(f.String)
	}
	return f
}
