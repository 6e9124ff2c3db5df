// Package logging builds the broker's global zap logger, generalizing the
// teacher's bare log.Printf calls into structured fields (spec.md §1.1):
// timestamp, level, message and caller, with each subsystem's logger
// named via Named (the "logger" field), in place of the original Python
// source's module/function/line record attributes.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger, or a console-encoded one when
// debug is set (e.g. from a --debug cmd/app flag).
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	return cfg.Build()
}
