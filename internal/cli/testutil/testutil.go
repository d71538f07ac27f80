// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/cobra"
)

// SalesLog is a query log of one ETL run: a temp staging table feeding
// sales.totals, read afterwards by a report query.
const SalesLog = `{"query": "CREATE TEMP TABLE stage AS SELECT customer_id, amount FROM sales.orders WHERE amount > 0", "timestamp": "2026-03-01T10:00:00Z", "user": "etl", "session_id": "s1"}
{"query": "INSERT INTO sales.totals (customer_id, total) SELECT customer_id, SUM(amount) FROM stage GROUP BY customer_id", "timestamp": "2026-03-01T10:05:00Z", "user": "etl", "session_id": "s1"}
{"query": "SELECT customer_id, total FROM sales.totals ORDER BY total DESC LIMIT 10", "timestamp": "2026-03-01T12:00:00Z", "user": "analyst"}
`

// SetupTestProject creates a temporary project holding leaplineage.yaml
// with the given content (skipped when empty) and queries.jsonl with
// SalesLog. It returns the project directory.
func SetupTestProject(t *testing.T, config string) string {
	t.Helper()

	tmpDir := t.TempDir()
	if config != "" {
		WriteFile(t, tmpDir, "leaplineage.yaml", config)
	}
	WriteFile(t, tmpDir, "queries.jsonl", SalesLog)
	return tmpDir
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// Result holds the captured output of a command run.
type Result struct {
	Stdout string
	Stderr string
}

// ExecuteCommand runs cmd with args, capturing stdout and stderr.
func ExecuteCommand(t *testing.T, cmd *cobra.Command, args ...string) (Result, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return Result{Stdout: out.String(), Stderr: errOut.String()}, err
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}
