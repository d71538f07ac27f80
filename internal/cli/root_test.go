package cli

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/internal/cli/testutil"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/fingerprint"
)

type record struct {
	EntityURN  string          `json:"entityUrn"`
	EntityType string          `json:"entityType"`
	Aspect     string          `json:"aspectName"`
	Value      json.RawMessage `json:"aspect"`
}

func decodeRecords(t *testing.T, out string) []record {
	t.Helper()
	var records []record
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var r record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line %q", sc.Text())
		records = append(records, r)
	}
	require.NoError(t, sc.Err())
	return records
}

func TestVersionCommand(t *testing.T) {
	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "version")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "leaplineage v"+Version)
}

func TestHelpCommand(t *testing.T) {
	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "--help")
	require.NoError(t, err)
	for _, name := range []string{"aggregate", "parse", "fingerprint", "catalog", "version", "completion"} {
		assert.Contains(t, res.Stdout, name)
	}
}

func TestCompletionCommand(t *testing.T) {
	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "leaplineage")
}

func TestAggregateCommand_JSON(t *testing.T) {
	dir := testutil.SetupTestProject(t, "")
	t.Chdir(dir)

	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "aggregate", "-o", "json", "queries.jsonl")
	require.NoError(t, err, res.Stderr)
	testutil.AssertNoANSI(t, res.Stdout)

	orders := core.DatasetURN("postgres", "sales.orders", "")
	totals := core.DatasetURN("postgres", "sales.totals", "")

	var lineage *record
	queries := 0
	records := decodeRecords(t, res.Stdout)
	for i, r := range records {
		switch r.Aspect {
		case "upstreamLineage":
			if r.EntityURN == totals {
				lineage = &records[i]
			}
		case "queryProperties":
			queries++
		}
	}
	require.NotNil(t, lineage, "no lineage for %s in %s", totals, res.Stdout)

	var aspect struct {
		Upstreams []struct {
			Dataset string `json:"dataset"`
		} `json:"upstreams"`
	}
	require.NoError(t, json.Unmarshal(lineage.Value, &aspect))
	require.Len(t, aspect.Upstreams, 1)
	assert.Equal(t, orders, aspect.Upstreams[0].Dataset, "lineage resolves through the temp table")
	assert.Positive(t, queries)

	assert.Contains(t, res.Stderr, "Summary")
	assert.Contains(t, res.Stderr, "Emitted")
}

func TestAggregateCommand_ReportFile(t *testing.T) {
	dir := testutil.SetupTestProject(t, `
platform: postgres
generate:
  usage_statistics: true
  operations: true
`)
	t.Chdir(dir)

	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "aggregate", "-o", "json", "--report-file", "report.json", "queries.jsonl")
	require.NoError(t, err, res.Stderr)

	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	var reports map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &reports))
	assert.Contains(t, reports, "all")

	aspects := make(map[string]int)
	for _, r := range decodeRecords(t, res.Stdout) {
		aspects[r.Aspect]++
	}
	assert.Positive(t, aspects["datasetUsageStatistics"])
	assert.Positive(t, aspects["operation"])
}

func TestAggregateCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		args    []string
		wantErr string
	}{
		{
			name:    "missing log",
			args:    []string{"aggregate", "missing.jsonl"},
			wantErr: "failed to open query log",
		},
		{
			name:    "no args",
			args:    []string{"aggregate"},
			wantErr: "requires at least 1 arg",
		},
		{
			name:    "unknown platform",
			args:    []string{"aggregate", "--platform", "cobol", "queries.jsonl"},
			wantErr: "platform",
		},
		{
			name:    "invalid window",
			args:    []string{"aggregate", "--start", "2026-03-02", "--end", "2026-03-01", "queries.jsonl"},
			wantErr: "is not before window.end",
		},
		{
			name:    "bad config file",
			config:  "parallel: [",
			args:    []string{"aggregate", "queries.jsonl"},
			wantErr: "error reading config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(testutil.SetupTestProject(t, tt.config))
			_, err := testutil.ExecuteCommand(t, NewRootCmd(), tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	sql := "INSERT INTO sales.totals SELECT customer_id, amount FROM sales.orders"

	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "parse", "-o", "json", sql)
	require.NoError(t, err, res.Stderr)

	var result struct {
		QueryType string   `json:"query_type"`
		InTables  []string `json:"in_tables"`
		OutTables []string `json:"out_tables"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &result))
	assert.Equal(t, "INSERT", result.QueryType)
	assert.Equal(t, []string{core.DatasetURN("postgres", "sales.orders", "")}, result.InTables)
	assert.Equal(t, []string{core.DatasetURN("postgres", "sales.totals", "")}, result.OutTables)
}

func TestParseCommand_Text(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	testutil.WriteFile(t, dir, "q.sql", "SELECT id FROM shop.orders")

	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "parse", "-o", "text", "--file", "q.sql")
	require.NoError(t, err, res.Stderr)
	assert.Contains(t, res.Stdout, "SELECT")
	assert.Contains(t, res.Stdout, core.DatasetURN("postgres", "shop.orders", ""))
	testutil.AssertNoANSI(t, res.Stdout)
}

func TestParseCommand_NoSQL(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := testutil.ExecuteCommand(t, NewRootCmd(), "parse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no SQL given")
}

func TestFingerprintCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	sql := "SELECT * FROM orders WHERE id = 42"

	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "fingerprint", "-o", "json", sql)
	require.NoError(t, err, res.Stderr)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out))
	assert.Equal(t, "postgres", out["platform"])
	assert.Equal(t, fingerprint.Fingerprint(sql, "postgres", false), out["fingerprint"])
	assert.Equal(t, fingerprint.GeneralizeQuery(sql), out["generalized"])
}

func TestCatalogShow_NotConfigured(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := testutil.ExecuteCommand(t, NewRootCmd(), "catalog", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog.path is not set")
}

func TestCatalogShow_Empty(t *testing.T) {
	t.Chdir(t.TempDir())
	res, err := testutil.ExecuteCommand(t, NewRootCmd(), "catalog", "show", "--catalog", "catalog.db", "-o", "json")
	require.NoError(t, err, res.Stderr)

	var out struct {
		Datasets []json.RawMessage `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out))
	assert.Empty(t, out.Datasets)

	_, err = testutil.ExecuteCommand(t, NewRootCmd(), "catalog", "show", "--catalog", "catalog.db", "sales.orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in catalog")
}

func TestCatalogSync_RequiresType(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := testutil.ExecuteCommand(t, NewRootCmd(), "catalog", "sync", "--catalog", "catalog.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.type is required")
}
