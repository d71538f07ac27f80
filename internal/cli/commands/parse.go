package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/pkg/lineage"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// readSQL returns the SQL given as arguments, read from --file, or read
// from stdin when the only argument is "-".
func readSQL(cmd *cobra.Command, args []string, file string) (string, error) {
	var sql string
	switch {
	case file != "":
		data, err := os.ReadFile(file) //nolint:gosec // user supplied SQL file
		if err != nil {
			return "", fmt.Errorf("failed to read SQL file: %w", err)
		}
		sql = string(data)
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read SQL from stdin: %w", err)
		}
		sql = string(data)
	default:
		sql = strings.Join(args, " ")
	}
	if strings.TrimSpace(sql) == "" {
		return "", fmt.Errorf("no SQL given\nHint: pass the statement as an argument, use --file, or pipe it with -")
	}
	return sql, nil
}

// NewParseCommand creates the parse command.
func NewParseCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "parse [sql]",
		Short: "Show the table and column lineage of one SQL text",
		Long: `Parse SQL and print the tables it reads and writes and the
upstream columns of every output column.

Schemas come from the catalog when one is configured; without them
column lineage falls back to what the statement itself names.`,
		Example: `  leaplineage parse "insert into sales.totals select id, sum(amount) from sales.orders group by id"
  leaplineage parse --file view.sql --output yaml
  cat query.sql | leaplineage parse -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, args, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read SQL from a file")
	cmd.Flags().String("catalog", "", "Catalog database used for schema lookups")
	return cmd
}

func runParse(cmd *cobra.Command, args []string, file string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	sql, err := readSQL(cmd, args, file)
	if err != nil {
		return err
	}

	store, closeCatalog, err := cc.openCatalog()
	if err != nil {
		return err
	}
	defer closeCatalog()
	resolver, err := cc.newResolver(store, schema.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close() }()

	result := lineage.Analyze(cmd.Context(), sql, lineage.Options{
		Resolver:      resolver,
		DefaultDB:     cc.Cfg.DefaultDB,
		DefaultSchema: cc.Cfg.DefaultSchema,
		Logger:        cc.Logger,
	})

	r := cc.Renderer
	if r.EffectiveMode() != output.ModeText {
		return r.Encode(result)
	}
	renderParseText(r, result)
	return nil
}

func renderParseText(r *output.Renderer, result *lineage.SQLParsingResult) {
	r.Printf("Query type: %s\n", result.QueryType)
	r.Printf("Confidence: %.2f (%d/%d table schemas resolved)\n",
		result.Debug.Confidence, result.Debug.TableSchemasResolved, result.Debug.TablesDiscovered)
	if err := result.Debug.TableError; err != nil {
		r.Printf("Table error: %v\n", err)
		return
	}
	if err := result.Debug.ColumnError; err != nil {
		r.Printf("Column error: %v\n", err)
	}

	var tables [][]any
	for _, urn := range result.InTables {
		tables = append(tables, []any{"in", urn})
	}
	for _, urn := range result.OutTables {
		dir := "out"
		for _, tmp := range result.TempTables {
			if tmp == urn {
				dir = "out (temp)"
			}
		}
		tables = append(tables, []any{dir, urn})
	}
	r.Println()
	r.Header("Tables")
	r.Table(r.Out(), []string{"DIRECTION", "URN"}, tables)

	var cols [][]any
	for _, m := range result.ColumnLineage {
		ups := make([]string, len(m.Upstreams))
		for i, up := range m.Upstreams {
			ups[i] = up.Dataset + "." + up.Column
		}
		down := m.Downstream.Column
		if m.Downstream.Dataset != "" {
			down = m.Downstream.Dataset + "." + down
		}
		cols = append(cols, []any{down, strings.Join(ups, "\n")})
	}
	r.Println()
	r.Header("Column lineage")
	r.Table(r.Out(), []string{"DOWNSTREAM", "UPSTREAMS"}, cols)
}
