package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the process logger at the given level ("debug", "info", "warn", "error").
func Init(lvl string) error {
	parsed, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	z, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	mu.Lock()
	global = z.Sugar()
	mu.Unlock()
	return nil
}

// Logger returns the process logger, or a no-op logger before Init.
func Logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop().Sugar()
	}
	return global
}

// SetLogLevel changes the level of an already initialised logger.
func SetLogLevel(lvl string) error {
	parsed, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = Logger().Sync()
}

func parseLevel(lvl string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", lvl)
	}
}
