// Package logging builds the zap logger used across KIRO's components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saisasidhar/kiro/config"
)

// New builds a *zap.SugaredLogger from a LoggingConfig. Development mode
// yields human-readable console output for the demo CLIs; production mode
// yields JSON for embedding in a log pipeline.
func New(cfg config.LoggingConfig) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, used as a default when no
// logger is supplied to a component constructor.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
