// Package log provides the leveled, structured logging used by every
// other smartdrive package. The call-site shape (Info/Warn/Error/Debug
// taking a message followed by alternating key/value pairs) mirrors the
// go-ethereum-family logger the rest of the stack was built against; it
// is backed by zap rather than log15 since zap is the structured logger
// actually present in the retrieved example pack.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every smartdrive component logs through.
// Components that accept a Logger in their Config may be handed Root()
// or a New() sub-logger carrying extra static fields (e.g. "validator"
// or "peer" context).
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

var root Logger = newDefault(zap.InfoLevel)

func newDefault(level zapcore.Level) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), level)
	return &zapLogger{s: zap.New(core).Sugar()}
}

// SetLevel replaces the root logger with one at the given level
// ("debug", "info", "warn", "error"); unrecognized levels are treated
// as "info". Intended to be called once at process startup from a
// --verbosity flag.
func SetLevel(level string) {
	var zl zapcore.Level
	switch level {
	case "debug":
		zl = zap.DebugLevel
	case "warn":
		zl = zap.WarnLevel
	case "error":
		zl = zap.ErrorLevel
	default:
		zl = zap.InfoLevel
	}
	root = newDefault(zl)
}

// Root returns the process-wide default logger.
func Root() Logger { return root }

// SetRoot replaces the process-wide default logger, e.g. to widen the
// level or redirect output in tests.
func SetRoot(l Logger) { root = l }

// New returns a logger derived from Root() with the given static fields
// attached to every subsequent line.
func New(kv ...interface{}) Logger { return root.With(kv...) }

func Debug(msg string, kv ...interface{}) { root.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }
