// Package logging builds the zap loggers used across the runtime.
//
// Components receive a *zap.SugaredLogger and log with key/value pairs
// (Infow, Warnw, ...). A nil logger is always replaced with OrNop.
package logging

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names.
const (
	FieldComponent = "component"
	FieldGroupID   = "group_id"
	FieldJobID     = "job_id"
	FieldSession   = "session"
	FieldSeq       = "seq"
	FieldService   = "service"
	FieldOperation = "operation"
	FieldTick      = "tick"
	FieldError     = "error"
	FieldDuration  = "duration"
	FieldCount     = "count"
	FieldAddress   = "address"
)

// Config selects the level and the encoder.
type Config struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// New builds a logger writing to stdout. The returned AtomicLevel can be
// changed at runtime (config hot reload).
func New(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atom := zap.NewAtomicLevelAt(lvl)

	var enc zapcore.Encoder
	if cfg.JSON {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), atom)
	return zap.New(core, zap.AddCaller()).Sugar(), atom, nil
}

// ParseLevel maps a config string to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, errors.WithHint(
			errors.Wrapf(err, "invalid log level %q", s),
			"use one of debug, info, warn, error")
	}
	return lvl, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Component derives a logger tagged with the component name.
func Component(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return OrNop(l).With(FieldComponent, name)
}
