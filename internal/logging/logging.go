// Package logging builds the logr.Logger used throughout ringattn.
package logging

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrLevel indicates an unrecognized log level.
var ErrLevel = errors.New("logging: unknown level")

// ParseLevel accepts debug, info, warn and error. Debug enables V(1) output.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug", "info", "warn", "error":
		return zapcore.ParseLevel(level)
	default:
		return zapcore.InfoLevel, errors.Wrapf(ErrLevel, "%q", level)
	}
}

// New returns a JSON logger writing to stderr at the given level. The
// returned func flushes buffered entries.
func New(name, level string) (logr.Logger, func(), error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, errors.Wrap(err, "build zap logger")
	}
	return zapr.NewLogger(zl).WithName(name), func() { _ = zl.Sync() }, nil
}

// NewWriter returns a JSON logger writing to w. Used by tests and when
// output must be captured.
func NewWriter(w io.Writer, level string) (logr.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		lvl,
	)
	return zapr.NewLogger(zap.New(core)), nil
}
