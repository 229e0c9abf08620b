// Package logging provides the zap backed logger used across natprobe.
//
// Every package declares its own small Logger interface
// (Info/Error/Debug/Warn with key/value fields); *Logger satisfies all of
// them. The same sink is exposed to the pion libraries through
// PionFactory.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured, leveled logger.
type Logger struct {
	s     *zap.SugaredLogger
	level zap.AtomicLevel
}

// New creates a logger writing to w. Format is "console" or "json".
func New(level, format string, w io.Writer) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch format {
	case "", "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	if w == nil {
		w = os.Stderr
	}

	atom := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(enc, zapcore.AddSync(w), atom)

	return &Logger{s: zap.New(core).Sugar(), level: atom}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// Named returns a child logger with the given name appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{s: l.s.Named(name), level: l.level}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{s: l.s.With(fields...), level: l.level}
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.s.Infow(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.s.Errorw(msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.s.Debugw(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.s.Warnw(msg, fields...)
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.level.Enabled(level)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.s.Sync()
}
