package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envLogFormat = "CADENCE_LOG_FORMAT"

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// Init configures the process logger. Level is one of debug, info, warn, error;
// format is "json" (default) or "console".
func Init(level, format string) error {
	if format == "" {
		format = os.Getenv(envLogFormat)
	}
	logger, err := build(level, format)
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the process logger. Tests use it with an observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	_ = logger().Sync()
}

// Debug logs a debug message with key/value fields scoped to component.
func Debug(component, msg string, kv ...interface{}) {
	logger().Debug(msg, fields(component, kv)...)
}

// Info logs a message with key/value fields scoped to component.
func Info(component, msg string, kv ...interface{}) {
	logger().Info(msg, fields(component, kv)...)
}

// Warn logs a warning with key/value fields scoped to component.
func Warn(component, msg string, kv ...interface{}) {
	logger().Warn(msg, fields(component, kv)...)
}

// Error logs an error message with key/value fields scoped to component.
func Error(component, msg string, kv ...interface{}) {
	logger().Error(msg, fields(component, kv)...)
}

func logger() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		built, err := build("info", os.Getenv(envLogFormat))
		if err != nil {
			built = zap.NewNop()
		}
		base = built
	}
	return base
}

func build(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

func fields(component string, kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2+1)
	out = append(out, zap.String("component", component))
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		if key == "" {
			key = "field"
		}
		switch v := kv[i+1].(type) {
		case error:
			if v == nil {
				out = append(out, zap.String(key, ""))
			} else {
				out = append(out, zap.String(key, v.Error()))
			}
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
