// Package log provides the structured logger shared by the worker's packages.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output encodings accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger is the logging interface used throughout tabflow. Key/value pairs
// follow the zap sugared convention: alternating string keys and values.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Default is the process-wide logger. Its level follows SetLevel.
var Default Logger = New(FormatConsole)

// New builds a sugared zap logger writing to stderr in the given format.
// Its level is shared with Default and follows SetLevel.
func New(format string) *zap.SugaredLogger {
	enc := zapcore.NewConsoleEncoder(encoderConfig)
	if format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	}
	return zap.New(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level),
		zap.AddCaller(),
	).Sugar()
}

// Nop returns a logger that discards everything.
func Nop() Logger { return zap.NewNop().Sugar() }

// SetLevel sets the level of every logger built by New. Unknown levels
// mean info.
func SetLevel(l string) {
	switch l {
	case LevelDebug:
		level.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		level.SetLevel(zapcore.WarnLevel)
	case LevelError:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Configure replaces Default with a logger in the given format and level.
func Configure(format, l string) {
	SetLevel(l)
	Default = New(format)
}

// With returns l with the key/value pairs attached, when l supports it.
func With(l Logger, keysAndValues ...any) Logger {
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.With(keysAndValues...)
	}
	return l
}
