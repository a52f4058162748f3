// Package kfmt provides the kernel's logging front-end and its fatal halt
// path. Every kernel module obtains a named zap logger through Logger. Until a
// sink or logger is attached, entries are encoded into an in-memory ring
// buffer so nothing logged during early boot is lost.
package kfmt

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex

	// earlyBuffer stores log output before SetOutputSink or SetLogger is
	// called.
	earlyBuffer ringBuffer

	root = newConsoleLogger(&earlyBuffer, zapcore.DebugLevel)
)

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	cfg.ConsoleSeparator = " "
	return cfg
}

func newConsoleLogger(ws zapcore.WriteSyncer, level zapcore.LevelEnabler) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), ws, level)
	return zap.New(core)
}

// Logger returns a logger for the given kernel module. Callers should request
// the logger when they need it instead of caching it so that they pick up the
// logger installed by SetLogger or SetOutputSink.
func Logger(module string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(module)
}

// SetLogger installs l as the root kernel logger. Passing nil silences kernel
// logging.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}

	mu.Lock()
	root = l
	mu.Unlock()
}

// SetOutputSink installs a console-encoded logger that writes to w and copies
// any output accumulated in the early ring buffer to it.
func SetOutputSink(w io.Writer, level zapcore.Level) {
	FlushEarly(w)
	SetLogger(newConsoleLogger(zapcore.Lock(zapcore.AddSync(w)), level))
}

// FlushEarly drains the early ring buffer into w.
func FlushEarly(w io.Writer) {
	_, _ = io.Copy(w, &earlyBuffer)
}

// NewLogger builds a zap logger for host tools. Development loggers use the
// console encoder; production loggers emit JSON.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
