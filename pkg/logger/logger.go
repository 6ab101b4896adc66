package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide structured logger. Init (or InitWithLevel) must run
// before anything logs through it; until then it is a nop logger so library
// code and tests stay quiet.
var Log = zap.NewNop()

// Init initializes the global logger at the level named by the
// SCENEDB_LOG_LEVEL environment variable (default info).
func Init() {
	InitWithLevel(os.Getenv("SCENEDB_LOG_LEVEL"))
}

// InitWithLevel initializes the global logger honoring the provided level
// string ("debug", "info", "warn", "error"). Empty or unknown levels fall
// back to info.
func InitWithLevel(level string) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// sink override for tests and file deployments, e.g. "file:/var/log/scenedb.log"
	if sink := os.Getenv("SCENEDB_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		cfg.OutputPaths = []string{strings.TrimPrefix(sink, "file:")}
	}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	Log = l
}

// Sync flushes buffered log entries. Safe to call on shutdown.
func Sync() {
	_ = Log.Sync()
}
