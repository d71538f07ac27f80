package core

import (
	"context"
	"database/sql"
)

// Adapter is a live database that can describe its own tables.
// Adapters are only used to seed schema information; lineage never
// executes user SQL against them.
type Adapter interface {
	// Connect establishes a connection to the database.
	Connect(ctx context.Context, cfg AdapterConfig) error

	// Close closes the database connection.
	Close() error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string) (*Rows, error)

	// ListTables returns the table names of a schema.
	ListTables(ctx context.Context, schema string) ([]string, error)

	// GetTableMetadata retrieves metadata for a table.
	GetTableMetadata(ctx context.Context, table string) (*TableMetadata, error)

	// DialectConfig returns the static dialect configuration.
	DialectConfig() *DialectConfig
}

// AdapterConfig holds configuration for connecting to a database.
type AdapterConfig struct {
	Type     string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string
	// Params holds adapter-specific settings, decoded by the adapter.
	Params map[string]any
}

// Column represents a column in a database table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// TableMetadata holds metadata about a database table.
type TableMetadata struct {
	Database string
	Schema   string
	Name     string
	Columns  []Column
}

// SchemaInfo converts the column list into a SchemaInfo.
func (m *TableMetadata) SchemaInfo() SchemaInfo {
	info := make(SchemaInfo, len(m.Columns))
	for _, c := range m.Columns {
		info[c.Name] = c.Type
	}
	return info
}

// TableName returns the qualified name of the table.
func (m *TableMetadata) TableName() TableName {
	return TableName{Database: m.Database, Schema: m.Schema, Table: m.Name}
}

// Rows wraps sql.Rows to provide a consistent interface.
type Rows struct {
	*sql.Rows
}
