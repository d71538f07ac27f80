package config

import (
	"path/filepath"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// Default configuration values.
const (
	DefaultPlatform = "postgres"
	DefaultOutput   = "auto" // TTY=text summary, non-TTY=json records
	DefaultParallel = 1

	// AuditLogFile lives in CacheDir.
	AuditLogFile = "audit_log.sqlite"
)

// defaults is the lowest configuration layer.
func defaults() map[string]any {
	return map[string]any{
		"platform":                       DefaultPlatform,
		"env":                            core.DefaultEnv,
		"window.bucket_duration":         string(aggregator.BucketDay),
		"generate.lineage":               true,
		"generate.queries":               true,
		"generate.usage_statistics":      false,
		"generate.query_usage_statistics": false,
		"generate.operations":            false,
		"table_pattern.ignore_case":      true,
		"tool_meta.enabled":              true,
		"parallel":                       DefaultParallel,
		"output":                         DefaultOutput,
	}
}

// AuditLogPath is where the audit log cache lives, or "" without a
// cache directory.
func (c *Config) AuditLogPath() string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, AuditLogFile)
}
