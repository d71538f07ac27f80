// Package config loads the leaplineage configuration.
//
// Settings are layered, lowest precedence first: built-in defaults, the
// YAML config file, LEAPLINEAGE_* environment variables and command line
// flags. Nested keys are joined with a dot in flags ("window.start") and
// with a double underscore in environment variables
// (LEAPLINEAGE_WINDOW__START).
package config

import (
	"time"

	"github.com/leapstack-labs/leaplineage/internal/predicate"
	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
)

// Config holds every setting of a run.
type Config struct {
	Platform         string `koanf:"platform"`
	PlatformInstance string `koanf:"platform_instance"`
	Env              string `koanf:"env"`

	// DefaultDB and DefaultSchema qualify table names of log entries that
	// carry no defaults of their own.
	DefaultDB     string `koanf:"default_db"`
	DefaultSchema string `koanf:"default_schema"`

	Window WindowConfig `koanf:"window"`

	TablePattern     predicate.Pattern `koanf:"table_pattern"`
	TempTablePattern predicate.Pattern `koanf:"temp_table_pattern"`
	// TempTableExpr is a starlark expression over the table name parts.
	TempTableExpr string `koanf:"temp_table_expr"`

	Generate      GenerateConfig `koanf:"generate"`
	FormatQueries bool           `koanf:"format_queries"`

	// CacheDir holds the cached audit log, reused by later runs over the
	// same files. Empty keeps it in a temporary directory.
	CacheDir string `koanf:"cache_dir"`

	Catalog CatalogConfig `koanf:"catalog"`
	Sync    SyncConfig    `koanf:"sync"`

	// ParseTimeout bounds the catalog lookups made while parsing one
	// query. Zero means no limit.
	ParseTimeout time.Duration `koanf:"parse_timeout"`

	ToolMeta ToolMetaConfig `koanf:"tool_meta"`

	// Parallel is the number of aggregators run side by side. Input
	// files are spread across them round robin.
	Parallel int    `koanf:"parallel"`
	Verbose  bool   `koanf:"verbose"`
	Output   string `koanf:"output"`
}

// WindowConfig bounds usage and operation statistics.
type WindowConfig struct {
	Start          time.Time                 `koanf:"start"`
	End            time.Time                 `koanf:"end"`
	BucketDuration aggregator.BucketDuration `koanf:"bucket_duration"`
}

// GenerateConfig selects the emitted record kinds.
type GenerateConfig struct {
	Lineage              bool `koanf:"lineage"`
	Queries              bool `koanf:"queries"`
	UsageStatistics      bool `koanf:"usage_statistics"`
	QueryUsageStatistics bool `koanf:"query_usage_statistics"`
	Operations           bool `koanf:"operations"`
}

// CatalogConfig locates the local schema catalog.
type CatalogConfig struct {
	// Path of the catalog database. Empty disables the catalog.
	Path string `koanf:"path"`
}

// SyncConfig describes the live database a catalog sync reads.
type SyncConfig struct {
	Type     string            `koanf:"type"` // postgres, duckdb
	Path     string            `koanf:"path"`
	Host     string            `koanf:"host"`
	Port     int               `koanf:"port"`
	Database string            `koanf:"database"`
	User     string            `koanf:"user"`
	Password string            `koanf:"password"`
	Schemas  []string          `koanf:"schemas"`
	Options  map[string]string `koanf:"options"`
	Params   map[string]any    `koanf:"params"`
	Parallel int               `koanf:"parallel"`
}

// ToolMetaConfig configures re-attribution of BI tool queries.
type ToolMetaConfig struct {
	Enabled bool `koanf:"enabled"`
	// LookerUserMapping maps Looker user ids to email addresses.
	LookerUserMapping map[string]string `koanf:"looker_user_mapping"`
}
