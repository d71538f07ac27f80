package config

import (
	"context"
	"log/slog"
)

// loggerKey is used to store the logger in the command context.
type loggerKey struct{}

// configKey is used to store the loaded config in the command context.
type configKey struct{}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	// Return discard logger as safe fallback
	return slog.New(slog.DiscardHandler)
}

// WithConfig returns ctx carrying loaded.
func WithConfig(ctx context.Context, loaded *Loaded) context.Context {
	return context.WithValue(ctx, configKey{}, loaded)
}

// FromContext returns the config stored by WithConfig, or nil.
func FromContext(ctx context.Context) *Loaded {
	l, _ := ctx.Value(configKey{}).(*Loaded)
	return l
}
