// Package logger builds the zap logger shared by every ledgerfeed component.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing at the given level ("debug", "info", ...). Development loggers use the console
// encoder and panic on DPanic.
func New(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel

	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("log setting: %w", err)
		}
	}

	cc := zap.NewProductionConfig()
	if development {
		cc = zap.NewDevelopmentConfig()
	}

	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.Level = zap.NewAtomicLevelAt(lvl)
	cc.Sampling = nil

	log, err := cc.Build()
	if err != nil {
		return nil, fmt.Errorf("cannot build logger: %w", err)
	}

	return log.Named("ledgerfeed"), nil
}
