package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"

	// Import adapter packages to ensure adapters are registered via init()
	_ "github.com/leapstack-labs/leaplineage/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/leaplineage/pkg/adapters/postgres"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leaplineage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("platform", "", "")
	fs.String("start", "", "")
	fs.String("bucket-duration", "", "")
	fs.String("catalog", "", "")
	fs.StringSlice("schema", nil, "")
	fs.Int("parallel", 1, "")
	fs.Bool("verbose", false, "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	loaded, err := Load("", nil)
	require.NoError(t, err)
	cfg := loaded.Config

	assert.Empty(t, loaded.File)
	assert.Equal(t, DefaultPlatform, cfg.Platform)
	assert.Equal(t, "PROD", cfg.Env)
	assert.Equal(t, aggregator.BucketDay, cfg.Window.BucketDuration)
	assert.Equal(t, aggregator.Generate{Lineage: true, Queries: true}, cfg.Generate.AggregatorGenerate())
	assert.True(t, cfg.TablePattern.IgnoreCase)
	assert.True(t, cfg.ToolMeta.Enabled)
	assert.Equal(t, 1, cfg.Parallel)
	assert.Equal(t, OutputAuto, cfg.Output)
	assert.Empty(t, cfg.AuditLogPath())
}

func TestLoad_File(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
platform: snowflake
platform_instance: acme
env: DEV
default_db: analytics
default_schema: public
window:
  start: 2026-03-01
  end: "2026-03-08T12:00:00Z"
  bucket_duration: hour
table_pattern:
  allow: ["analytics\\."]
  deny: [".*_tmp$"]
temp_table_pattern:
  allow: ["^staging\\.tmp_"]
temp_table_expr: 'table.startswith("_")'
generate:
  usage_statistics: true
  operations: true
parse_timeout: 5s
cache_dir: .cache
catalog:
  path: catalog.db
tool_meta:
  looker_user_mapping:
    "42": jane@example.com
`)

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	cfg := loaded.Config

	assert.Equal(t, path, loaded.File)
	assert.Equal(t, "snowflake", cfg.Platform)
	assert.Equal(t, "acme", cfg.PlatformInstance)
	assert.Equal(t, "DEV", cfg.Env)
	assert.Equal(t, "analytics", cfg.DefaultDB)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), cfg.Window.Start)
	assert.Equal(t, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC), cfg.Window.End.UTC())
	assert.Equal(t, aggregator.BucketHour, cfg.Window.BucketDuration)
	assert.Equal(t, []string{`analytics\.`}, cfg.TablePattern.Allow)
	assert.Equal(t, []string{`.*_tmp$`}, cfg.TablePattern.Deny)
	assert.True(t, cfg.TablePattern.IgnoreCase, "defaults merge with file values")
	assert.Equal(t, `table.startswith("_")`, cfg.TempTableExpr)
	assert.Equal(t, aggregator.Generate{Lineage: true, Queries: true, UsageStatistics: true, Operations: true},
		cfg.Generate.AggregatorGenerate())
	assert.Equal(t, 5*time.Second, cfg.ParseTimeout)
	assert.Equal(t, filepath.Join(".cache", AuditLogFile), cfg.AuditLogPath())
	assert.Equal(t, "catalog.db", cfg.Catalog.Path)
	assert.Equal(t, map[string]string{"42": "jane@example.com"}, cfg.ToolMeta.LookerUserMapping)

	preds, err := cfg.Predicates(nil)
	require.NoError(t, err)
	assert.True(t, preds.IsAllowedTable("Analytics.orders"))
	assert.False(t, preds.IsAllowedTable("analytics.orders_tmp"))
	assert.True(t, preds.IsTempTable("staging.tmp_orders"))
	assert.True(t, preds.IsTempTable("db.schema._scratch"))
	assert.False(t, preds.IsTempTable("analytics.orders"))
}

func TestLoad_FindsFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leaplineage.yml"), []byte("platform: bigquery\n"), 0o600))

	loaded, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "leaplineage.yml", loaded.File)
	assert.Equal(t, "bigquery", loaded.Config.Platform)
}

func TestLoad_Precedence(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
platform: snowflake
env: DEV
window:
  bucket_duration: month
parallel: 2
`)
	t.Setenv("LEAPLINEAGE_ENV", "QA")
	t.Setenv("LEAPLINEAGE_PLATFORM", "bigquery")
	t.Setenv("LEAPLINEAGE_WINDOW__BUCKET_DURATION", "hour")
	t.Setenv("LEAPLINEAGE_TABLE_PATTERN__DENY", "a\\..*,b\\..*")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--platform", "postgres", "--catalog", "cat.db", "--schema", "public,sales"}))

	loaded, err := Load(path, fs)
	require.NoError(t, err)
	cfg := loaded.Config

	assert.Equal(t, "postgres", cfg.Platform, "flag beats env")
	assert.Equal(t, "QA", cfg.Env, "env beats file")
	assert.Equal(t, aggregator.BucketHour, cfg.Window.BucketDuration)
	assert.Equal(t, []string{`a\..*`, `b\..*`}, cfg.TablePattern.Deny)
	assert.Equal(t, 2, cfg.Parallel, "unchanged flag keeps file value")
	assert.Equal(t, "cat.db", cfg.Catalog.Path)
	assert.Equal(t, []string{"public", "sales"}, cfg.Sync.Schemas)
}

func TestLoad_ExpandsSyncCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PG_PASSWORD", "s3cret")
	path := writeConfig(t, `
sync:
  type: postgres
  host: localhost
  user: ${PG_USER_UNSET_FOR_TEST}
  password: ${PG_PASSWORD}
  params:
    sslmode: disable
`)

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	s := loaded.Config.Sync
	assert.Equal(t, "s3cret", s.Password)
	assert.Equal(t, "${PG_USER_UNSET_FOR_TEST}", s.User)

	ac := s.AdapterConfig()
	assert.Equal(t, "postgres", ac.Type)
	assert.Equal(t, "localhost", ac.Host)
	assert.Equal(t, "disable", ac.Params["sslmode"])
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		errSubstr string
	}{
		{
			name:      "unknown platform",
			content:   "platform: cobol\n",
			errSubstr: "platform: unknown dialect",
		},
		{
			name:      "bad bucket duration",
			content:   "window:\n  bucket_duration: week\n",
			errSubstr: "unknown bucket duration",
		},
		{
			name:      "bad time",
			content:   "window:\n  start: yesterday\n",
			errSubstr: "invalid time",
		},
		{
			name:      "inverted window",
			content:   "window:\n  start: 2026-03-08\n  end: 2026-03-01\n",
			errSubstr: "is not before window.end",
		},
		{
			name:      "query usage without queries",
			content:   "generate:\n  queries: false\n  query_usage_statistics: true\n",
			errSubstr: "requires generate.queries",
		},
		{
			name:      "parallel zero",
			content:   "parallel: 0\n",
			errSubstr: "parallel must be at least 1",
		},
		{
			name:      "output",
			content:   "output: xml\n",
			errSubstr: "output must be one of",
		},
		{
			name:      "bad pattern",
			content:   "table_pattern:\n  allow: ['(']\n",
			errSubstr: "table_pattern",
		},
		{
			name:      "bad temp expr",
			content:   "temp_table_expr: 'table =='\n",
			errSubstr: "temp_table_expr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			_, err := Load(writeConfig(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestValidateSync(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		errSubstr string
	}{
		{
			name:      "no catalog",
			cfg:       Config{Sync: SyncConfig{Type: "duckdb"}},
			errSubstr: "catalog.path is required",
		},
		{
			name:      "no type",
			cfg:       Config{Catalog: CatalogConfig{Path: "c.db"}},
			errSubstr: "sync.type is required",
		},
		{
			name:      "unknown type",
			cfg:       Config{Catalog: CatalogConfig{Path: "c.db"}, Sync: SyncConfig{Type: "oracle"}},
			errSubstr: "unknown adapter type",
		},
		{
			name: "valid duckdb",
			cfg:  Config{Catalog: CatalogConfig{Path: "c.db"}, Sync: SyncConfig{Type: "duckdb"}},
		},
		{
			name: "valid postgres",
			cfg:  Config{Catalog: CatalogConfig{Path: "c.db"}, Sync: SyncConfig{Type: "postgres", Parallel: 4}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateSync()
			if tt.errSubstr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: " 2026-03-01T10:30:00 ", want: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{in: "2026-03-01T10:30:00+02:00", want: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)},
		{in: "03/01/2026", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
