// Package logging wraps go.uber.org/zap with the two profiles qlserver
// runs under: a JSON, info-and-above production logger, and a
// console-encoded, debug-level logger used when the server is started with
// debug mode on. This mirrors the original server's release/debug split
// where error replies are generic in release builds but carry exception
// text in debug builds.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. debug switches to a human-readable
// console encoder at Debug level; otherwise logs are JSON at Info level.
func New(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap's own config construction failing means stderr is
		// unusable; fall back to a no-op logger rather than panic
		// during startup.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
