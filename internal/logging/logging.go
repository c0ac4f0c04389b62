// Package logging builds the process-wide zap logger, matching the
// structured-logging idiom of hortator-ai-Hortator and kelos-dev-kelos
// rather than the teacher's bare "log" package, since LOG_LEVEL/LOG_PRETTY
// (spec §6.5) call for level control and a console/JSON encoder switch that
// zap provides directly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger from the level name and pretty flag.
func New(level string, pretty bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
