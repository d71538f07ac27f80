package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leaplineage/internal/predicate"
	"github.com/leapstack-labs/leaplineage/pkg/adapter"
	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
)

// Output formats.
const (
	OutputAuto = "auto"
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

var outputs = []string{OutputAuto, OutputText, OutputJSON, OutputYAML}

// Validate checks the settings every command relies on. Sync settings
// are checked separately by ValidateSync.
func (c *Config) Validate() error {
	var errs []error
	if _, err := dialect.Resolve(c.Platform); err != nil {
		errs = append(errs, fmt.Errorf("platform: %w", err))
	}
	if c.Env == "" {
		errs = append(errs, errors.New("env is required"))
	}
	if !c.Window.Start.IsZero() && !c.Window.End.IsZero() && !c.Window.Start.Before(c.Window.End) {
		errs = append(errs, fmt.Errorf("window.start %s is not before window.end %s",
			c.Window.Start.Format(timeLayouts[0]), c.Window.End.Format(timeLayouts[0])))
	}
	if _, err := aggregator.ParseBucketDuration(string(c.Window.BucketDuration)); err != nil {
		errs = append(errs, fmt.Errorf("window.bucket_duration: %w", err))
	}
	if c.Generate.QueryUsageStatistics && !c.Generate.Queries {
		errs = append(errs, errors.New("generate.query_usage_statistics requires generate.queries"))
	}
	if c.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel must be at least 1, got %d", c.Parallel))
	}
	if c.ParseTimeout < 0 {
		errs = append(errs, fmt.Errorf("parse_timeout must not be negative, got %s", c.ParseTimeout))
	}
	if !slices.Contains(outputs, c.Output) {
		errs = append(errs, fmt.Errorf("output must be one of %v, got %q", outputs, c.Output))
	}
	if _, err := c.Predicates(nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateSync checks the settings of a catalog sync.
func (c *Config) ValidateSync() error {
	if c.Catalog.Path == "" {
		return errors.New("catalog.path is required to sync a catalog\nHint: set catalog.path in leaplineage.yaml or pass --catalog")
	}
	if c.Sync.Type == "" {
		return errors.New("sync.type is required to sync a catalog")
	}
	if !adapter.IsRegistered(c.Sync.Type) {
		return &adapter.UnknownAdapterError{Type: c.Sync.Type, Available: adapter.ListAdapters()}
	}
	if c.Sync.Parallel < 0 {
		return fmt.Errorf("sync.parallel must not be negative, got %d", c.Sync.Parallel)
	}
	return nil
}

// Predicates compiles the table predicates.
func (c *Config) Predicates(logger *slog.Logger) (*predicate.Set, error) {
	return predicate.New(predicate.Options{
		TablePattern:     c.TablePattern,
		TempTablePattern: c.TempTablePattern,
		TempTableExpr:    c.TempTableExpr,
		Logger:           logger,
	})
}

// AggregatorGenerate converts the generate section.
func (g GenerateConfig) AggregatorGenerate() aggregator.Generate {
	return aggregator.Generate{
		Lineage:              g.Lineage,
		Queries:              g.Queries,
		UsageStatistics:      g.UsageStatistics,
		QueryUsageStatistics: g.QueryUsageStatistics,
		Operations:           g.Operations,
	}
}

// AggregatorWindow converts the window section.
func (w WindowConfig) AggregatorWindow() aggregator.Window {
	return aggregator.Window{Start: w.Start, End: w.End, BucketDuration: w.BucketDuration}
}

// AdapterConfig converts the sync section.
func (s SyncConfig) AdapterConfig() core.AdapterConfig {
	cfg := core.AdapterConfig{
		Type:     s.Type,
		Path:     s.Path,
		Host:     s.Host,
		Port:     s.Port,
		Database: s.Database,
		Username: s.User,
		Password: s.Password,
		Options:  s.Options,
		Params:   s.Params,
	}
	if len(s.Schemas) == 1 {
		cfg.Schema = s.Schemas[0]
	}
	return cfg
}
