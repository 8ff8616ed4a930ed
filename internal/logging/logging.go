// Package logging constructs the operational logger. This is for diagnostics
// only; the audit trail in internal/audit is the durable record.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a structured logger writing to stderr. Debug mode enables
// development output with debug-level records.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and embedding.
func Nop() *zap.Logger {
	return zap.NewNop()
}
