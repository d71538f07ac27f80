// Package postgres reads table schemas from PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/leapstack-labs/leaplineage/pkg/adapter"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
)

// Adapter implements adapter.Adapter for PostgreSQL.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new PostgreSQL adapter instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d, _ := dialect.Get("postgres")
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger, Dialect: d.Config()},
	}
}

// Connect establishes a connection to PostgreSQL.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	a.Logger.Debug("connecting to postgres", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", buildPostgresDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildPostgresDSN constructs a key=value PostgreSQL connection string.
func buildPostgresDSN(cfg adapter.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "disable"
	if mode, ok := cfg.Options["sslmode"]; ok {
		sslmode = mode
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		host, port, cfg.Database, sslmode)

	if cfg.Username != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}

	return dsn
}

// ListTables returns the tables and views of a schema, "public" when empty.
func (a *Adapter) ListTables(ctx context.Context, schema string) ([]string, error) {
	return a.ListTablesCommon(ctx, schema)
}

// GetTableMetadata retrieves the columns of a table. Array and
// user-defined columns report their element or type name rather than
// the generic ARRAY or USER-DEFINED of information_schema.
func (a *Adapter) GetTableMetadata(ctx context.Context, table string) (*adapter.Metadata, error) {
	meta, err := a.GetTableMetadataCommon(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := a.resolveUDTs(ctx, meta); err != nil {
		a.Logger.Debug("failed to resolve column type names", slog.String("table", table), slog.Any("error", err))
	}
	return meta, nil
}

func (a *Adapter) resolveUDTs(ctx context.Context, meta *adapter.Metadata) error {
	generic := false
	for _, c := range meta.Columns {
		if c.Type == "ARRAY" || c.Type == "USER-DEFINED" {
			generic = true
			break
		}
	}
	if !generic {
		return nil
	}

	rows, err := a.DB.QueryContext(ctx, `
		SELECT column_name, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
	`, meta.Schema, meta.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	udts := make(map[string]string)
	for rows.Next() {
		var col, udt string
		if err := rows.Scan(&col, &udt); err != nil {
			return err
		}
		udts[col] = udt
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i, c := range meta.Columns {
		udt, ok := udts[c.Name]
		if !ok {
			continue
		}
		switch c.Type {
		case "ARRAY":
			// udt names of arrays carry a leading underscore: _int4
			meta.Columns[i].Type = udt[min(1, len(udt)):] + "[]"
		case "USER-DEFINED":
			meta.Columns[i].Type = udt
		}
	}
	return nil
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
