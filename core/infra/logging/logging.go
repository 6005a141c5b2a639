package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogFormat = "TOOLFORGE_LOG_FORMAT"
	envLogLevel  = "TOOLFORGE_LOG_LEVEL"
)

var (
	loggerOnce sync.Once
	loggerMu   sync.RWMutex
	logger     *zap.Logger
)

func base() *zap.Logger {
	loggerOnce.Do(func() {
		l := build(os.Getenv(envLogFormat), os.Getenv(envLogLevel))
		loggerMu.Lock()
		if logger == nil {
			logger = l
		}
		loggerMu.Unlock()
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func build(format, level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if parsed, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core)
}

// SetLogger replaces the process logger and returns a func restoring the
// previous one.
func SetLogger(l *zap.Logger) func() {
	base()
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Logger exposes the underlying zap logger for libraries that want one.
func Logger() *zap.Logger { return base() }

// Sync flushes buffered entries.
func Sync() { _ = base().Sync() }

// Info logs a message with key/value fields tagged with the component.
func Info(component, msg string, kv ...interface{}) {
	base().Info(msg, fields(component, kv...)...)
}

// Warn logs a recoverable problem.
func Warn(component, msg string, kv ...interface{}) {
	base().Warn(msg, fields(component, kv...)...)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...interface{}) {
	base().Error(msg, fields(component, kv...)...)
}

// Debug logs verbose detail, dropped unless the level allows it.
func Debug(component, msg string, kv ...interface{}) {
	base().Debug(msg, fields(component, kv...)...)
}

func fields(component string, kv ...interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2+1)
	out = append(out, zap.String("component", strings.ToLower(component)))
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		switch val := kv[i+1].(type) {
		case error:
			out = append(out, zap.NamedError(key, val))
		default:
			out = append(out, zap.Any(key, val))
		}
	}
	return out
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(fmt.Sprintf("%v", t), "\n", " "))
	}
}
