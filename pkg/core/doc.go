// Package core defines the shared language of the leaplineage system.
//
// This package contains:
//   - Table and column references (TableName, ColumnRef, DownstreamColumnRef)
//   - Column lineage records (ColumnLineageInfo) and schema shapes (SchemaInfo)
//   - URN helpers shared by the schema resolver and the aggregator
//   - Platform configuration (DialectConfig) and the schema source contract (Adapter)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
