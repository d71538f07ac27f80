package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// ErrNotConnected is returned by adapter methods called before Connect.
var ErrNotConnected = errors.New("database connection not established")

// TableNotFoundError is returned when information_schema has no columns
// for a table.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s not found", e.Table)
}

// BaseSQLAdapter provides the database/sql plumbing shared by adapters.
// Embed it in concrete adapters and set Dialect to the platform's
// static configuration.
type BaseSQLAdapter struct {
	DB      *sql.DB
	Cfg     core.AdapterConfig
	Dialect *core.DialectConfig
	Logger  *slog.Logger
}

// Close closes the database connection.
func (b *BaseSQLAdapter) Close() error {
	if b.DB == nil {
		return nil
	}
	if b.Logger != nil {
		b.Logger.Debug("closing database connection")
	}
	return b.DB.Close()
}

// Query executes a SQL statement that returns rows.
func (b *BaseSQLAdapter) Query(ctx context.Context, sqlStr string) (*core.Rows, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}
	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := b.DB.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return &core.Rows{Rows: rows}, nil
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// DialectConfig returns the platform configuration of the adapter.
func (b *BaseSQLAdapter) DialectConfig() *core.DialectConfig {
	return b.Dialect
}

// placeholder formats the index-th (1-based) query parameter.
func (b *BaseSQLAdapter) placeholder(index int) string {
	if b.Dialect != nil && b.Dialect.Placeholder == core.PlaceholderDollar {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// defaultSchema is the configured schema, or the platform default.
func (b *BaseSQLAdapter) defaultSchema() string {
	if b.Cfg.Schema != "" {
		return b.Cfg.Schema
	}
	if b.Dialect != nil && b.Dialect.DefaultSchema != "" {
		return b.Dialect.DefaultSchema
	}
	return "public"
}

// ParseQualifiedName splits "schema.table" and falls back to
// defaultSchema for a bare table name.
func ParseQualifiedName(table, defaultSchema string) (schema, name string) {
	if i := strings.LastIndexByte(table, '.'); i > 0 {
		return table[:i], table[i+1:]
	}
	return defaultSchema, table
}

// ListTablesCommon lists the base tables and views of a schema from
// information_schema.tables.
func (b *BaseSQLAdapter) ListTablesCommon(ctx context.Context, schema string) ([]string, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}
	if schema == "" {
		schema = b.defaultSchema()
	}

	//nolint:gosec // placeholders are ? or $N
	query := fmt.Sprintf(`
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = %s
		ORDER BY table_name
	`, b.placeholder(1))

	rows, err := b.DB.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables of %s: %w", schema, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// GetTableMetadataCommon reads the columns of a table from
// information_schema.columns in ordinal order.
func (b *BaseSQLAdapter) GetTableMetadataCommon(ctx context.Context, table string) (*core.TableMetadata, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}

	schema, tableName := ParseQualifiedName(table, b.defaultSchema())

	//nolint:gosec // placeholders are ? or $N
	query := fmt.Sprintf(`
		SELECT
			column_name,
			data_type,
			is_nullable,
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s
		ORDER BY ordinal_position
	`, b.placeholder(1), b.placeholder(2))

	rows, err := b.DB.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []core.Column
	for rows.Next() {
		var col core.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}

	if len(columns) == 0 {
		return nil, &TableNotFoundError{Table: schema + "." + tableName}
	}

	return &core.TableMetadata{
		Database: b.Cfg.Database,
		Schema:   schema,
		Name:     tableName,
		Columns:  columns,
	}, nil
}
