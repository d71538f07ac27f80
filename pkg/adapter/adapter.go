// Package adapter connects to live databases to read their table schemas.
//
// Adapters seed the local catalog with column names and types so that
// column-level lineage can expand stars and qualify columns. They never
// run the queries being analyzed. Concrete adapters live in pkg/adapters
// and register themselves by platform name when imported.
package adapter

import "github.com/leapstack-labs/leaplineage/pkg/core"

type (
	// Adapter is an alias for core.Adapter.
	Adapter = core.Adapter

	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Column is an alias for core.Column.
	Column = core.Column

	// Metadata is an alias for core.TableMetadata.
	Metadata = core.TableMetadata

	// Rows is an alias for core.Rows.
	Rows = core.Rows
)
