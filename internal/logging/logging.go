// Package logging constructs the process-wide zap logger. Every component
// receives a *zap.Logger scoped with its module name via With("module", id)
// and logs through it with typed zap fields.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// New builds a *zap.Logger from a level string ("debug"|"info"|"warn"|"error")
// and a format ("json"|"console").
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ForModule scopes a logger to one pipeline component.
func ForModule(base *zap.Logger, id model.ModuleId) *zap.Logger {
	return base.With(zap.String("module", string(id)))
}
