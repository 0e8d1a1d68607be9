// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Development bool
	Level       string
}

// New returns a production JSON logger, or a console logger in development
// mode. An empty level means info.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return l, nil
}
