// Package logging provides the gateway's ambient structured logger. Per
// spec.md §1, logging setup itself is an external collaborator's concern —
// this package is the concrete implementation the host wires in, built the
// way the teacher builds it (zap + lumberjack rotation). Components either
// take an injected *zap.Logger or log through the package-level helpers
// below; none of them configures sinks itself.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger, _ = zap.NewProduction()
}

// Config parameterizes logger construction.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	Output     string // "stdout", "stderr", or a file path
	MaxSizeMB  int    // rotation threshold
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a *zap.Logger from cfg. When Output names a file, the
// returned io.Closer must be closed on shutdown to flush rotation state;
// for stdout/stderr it is nil.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var ws zapcore.WriteSyncer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		ws = zapcore.AddSync(lj)
		closer = lj
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	logger := zap.New(core, zap.AddCaller())
	return logger, closer, nil
}

// Global returns the current package-level logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal replaces the package-level logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func Info(msg string, fields ...zap.Field)  { Global().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Global().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Global().Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Global().Debug(msg, fields...) }

// With returns a child logger with additional fields bound.
func With(fields ...zap.Field) *zap.Logger { return Global().With(fields...) }

// Sync flushes any buffered log entries.
func Sync() { _ = Global().Sync() }
