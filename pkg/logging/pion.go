package logging

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

// PionFactory adapts l to pion's LoggerFactory so that pion/turn and
// pion/ice log through the same zap core.
func (l *Logger) PionFactory() logging.LoggerFactory {
	return &pionFactory{base: l}
}

type pionFactory struct {
	base *Logger
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.base.Named(scope)}
}

// pionLogger implements logging.LeveledLogger. Trace maps to debug.
type pionLogger struct {
	l *Logger
}

func (p *pionLogger) Trace(msg string) { p.l.s.Debug(msg) }

func (p *pionLogger) Tracef(format string, args ...interface{}) {
	if p.l.Enabled(zapcore.DebugLevel) {
		p.l.s.Debug(fmt.Sprintf(format, args...))
	}
}

func (p *pionLogger) Debug(msg string) { p.l.s.Debug(msg) }

func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.l.s.Debugf(format, args...)
}

func (p *pionLogger) Info(msg string) { p.l.s.Info(msg) }

func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l.s.Infof(format, args...)
}

func (p *pionLogger) Warn(msg string) { p.l.s.Warn(msg) }

func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l.s.Warnf(format, args...)
}

func (p *pionLogger) Error(msg string) { p.l.s.Error(msg) }

func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l.s.Errorf(format, args...)
}
