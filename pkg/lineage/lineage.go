// Package lineage extracts table- and column-level lineage from parsed SQL.
//
// TableLineage finds the tables a statement reads and writes.
// ColumnLineage builds a scope per SELECT level and traces every output
// column back through CTEs, subqueries and set operations to base table
// columns. Analyze combines both with schema resolution and degrades to
// table-level lineage when column lineage is not possible.
package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// Confidence levels of a parsing result.
const (
	// ConfidenceTableOnly is reported when only table lineage is known.
	ConfidenceTableOnly = 0.2
	// ConfidenceFull is reported when every table schema was resolved.
	ConfidenceFull = 1.0
)

// ErrNoStatement is returned for SQL that holds no lineage-bearing statement.
var ErrNoStatement = errors.New("no statement found")

// Options configures Analyze.
type Options struct {
	// Resolver builds urns and provides schemas. Required.
	Resolver *schema.Resolver
	// DefaultDB and DefaultSchema qualify unqualified table names.
	DefaultDB     string
	DefaultSchema string
	Logger        *slog.Logger
}

// DebugInfo explains how complete a parsing result is.
type DebugInfo struct {
	Confidence           float64 `json:"confidence"`
	TablesDiscovered     int     `json:"tables_discovered"`
	TableSchemasResolved int     `json:"table_schemas_resolved"`
	// TableError is set when the statement could not be parsed at all.
	TableError error `json:"-"`
	// ColumnError is set when only table-level lineage is available.
	ColumnError error `json:"-"`
}

// MarshalJSON renders the errors as strings.
func (d DebugInfo) MarshalJSON() ([]byte, error) {
	type plain DebugInfo
	out := struct {
		plain
		TableError  string `json:"table_error,omitempty"`
		ColumnError string `json:"column_error,omitempty"`
	}{plain: plain(d)}
	if d.TableError != nil {
		out.TableError = d.TableError.Error()
	}
	if d.ColumnError != nil {
		out.ColumnError = d.ColumnError.Error()
	}
	return json.Marshal(out)
}

// SQLParsingResult is the lineage of one SQL text.
type SQLParsingResult struct {
	QueryType core.QueryType `json:"query_type"`
	// InTables and OutTables are sorted dataset urns.
	InTables  []string `json:"in_tables"`
	OutTables []string `json:"out_tables"`
	// TempTables are the out tables created as temporary tables.
	TempTables    []string        `json:"temp_tables,omitempty"`
	ColumnLineage []ColumnMapping `json:"column_lineage,omitempty"`
	Debug         DebugInfo       `json:"debug"`
}

// OK reports whether table lineage was extracted.
func (r *SQLParsingResult) OK() bool {
	return r.Debug.TableError == nil
}

// Analyze parses sql and returns its lineage. It never fails: problems
// are reported in the Debug section of the result, and a panic inside
// the extractors is converted into a table error.
func Analyze(ctx context.Context, sql string, opts Options) (result *SQLParsingResult) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("lineage extraction panicked", slog.Any("panic", r))
			result = failed(fmt.Errorf("lineage extraction panicked: %v", r))
		}
	}()

	if opts.Resolver == nil {
		return failed(errors.New("schema resolver is required"))
	}

	stmts, err := parser.ParseScript(ctx, sql, opts.Resolver.Dialect())
	if len(stmts) == 0 {
		if err == nil {
			err = ErrNoStatement
		}
		return failed(err)
	}

	a := &analyzer{opts: opts, logger: logger}
	result = a.statement(ctx, stmts[0])
	for _, stmt := range stmts[1:] {
		result = merge(result, a.statement(ctx, stmt))
	}
	if err != nil {
		// some statements of the script did not parse
		logger.Debug("script parsed partially", slog.String("error", err.Error()))
		result.Debug.ColumnError = errors.Join(result.Debug.ColumnError, err)
		result.Debug.Confidence = min(result.Debug.Confidence, ConfidenceTableOnly)
	}
	return result
}

func failed(err error) *SQLParsingResult {
	return &SQLParsingResult{QueryType: core.QueryTypeUnknown, Debug: DebugInfo{TableError: err}}
}

type analyzer struct {
	opts   Options
	logger *slog.Logger
}

func (a *analyzer) statement(ctx context.Context, stmt *parser.Statement) *SQLParsingResult {
	res := &SQLParsingResult{QueryType: stmt.Kind()}
	resolver := a.opts.Resolver

	read, write, err := TableLineage(ctx, stmt, a.opts.DefaultDB, a.opts.DefaultSchema)
	if err != nil {
		res.Debug.TableError = err
		return res
	}

	urns := make(map[core.TableName]string, len(read)+len(write))
	schemas := make(map[core.TableName]core.SchemaInfo, len(read)+len(write))
	resolve := func(t core.TableName) (string, bool) {
		urn, info, ok := resolver.ResolveTable(ctx, t)
		urns[t] = urn
		if ok {
			schemas[t] = info
		}
		return urn, ok
	}
	for _, t := range read {
		urn, ok := resolve(t)
		res.InTables = append(res.InTables, urn)
		res.Debug.TablesDiscovered++
		if ok {
			res.Debug.TableSchemasResolved++
		}
	}
	for _, t := range write {
		urn, _ := resolve(t)
		res.OutTables = append(res.OutTables, urn)
	}
	res.InTables = sortedUnique(res.InTables)
	res.OutTables = sortedUnique(res.OutTables)

	temps, err := TempTables(ctx, stmt, a.opts.DefaultDB, a.opts.DefaultSchema)
	if err != nil {
		res.Debug.TableError = err
		return res
	}
	for _, t := range temps {
		res.TempTables = append(res.TempTables, urns[t])
	}

	var outputTable *core.TableName
	if len(write) == 1 {
		outputTable = &write[0]
	}
	cll, err := ColumnLineage(ctx, stmt, ColumnOptions{
		Schemas:       schemas,
		OutputTable:   outputTable,
		DefaultDB:     a.opts.DefaultDB,
		DefaultSchema: a.opts.DefaultSchema,
	})
	if err != nil {
		a.logger.Debug("column lineage unavailable", slog.String("query_type", string(res.QueryType)), slog.String("error", err.Error()))
		res.Debug.ColumnError = err
	} else {
		res.ColumnLineage = toMappings(cll, func(t core.TableName) string {
			if urn, ok := urns[t]; ok {
				return urn
			}
			return resolver.URNForTable(t, false)
		})
	}

	res.Debug.Confidence = confidence(res.Debug)
	return res
}

// confidence scores a result: no column lineage caps it at
// ConfidenceTableOnly, otherwise it grows with the share of tables
// whose schema was known.
func confidence(d DebugInfo) float64 {
	switch {
	case d.TableError != nil:
		return 0
	case d.ColumnError != nil:
		return ConfidenceTableOnly
	case d.TablesDiscovered == 0:
		return ConfidenceFull
	}
	resolved := float64(d.TableSchemasResolved) / float64(d.TablesDiscovered)
	return ConfidenceTableOnly + (ConfidenceFull-ConfidenceTableOnly)*resolved
}

// merge combines the results of two statements of one script.
func merge(a, b *SQLParsingResult) *SQLParsingResult {
	if !b.OK() {
		if a.OK() {
			a.Debug.ColumnError = errors.Join(a.Debug.ColumnError, b.Debug.TableError)
			a.Debug.Confidence = min(a.Debug.Confidence, ConfidenceTableOnly)
		}
		return a
	}
	if !a.OK() {
		return merge(b, a)
	}

	out := &SQLParsingResult{
		QueryType:     a.QueryType,
		InTables:      sortedUnique(slices.Concat(a.InTables, b.InTables)),
		OutTables:     sortedUnique(slices.Concat(a.OutTables, b.OutTables)),
		TempTables:    sortedUnique(slices.Concat(a.TempTables, b.TempTables)),
		ColumnLineage: UnionColumnMappings(a.ColumnLineage, b.ColumnLineage),
		Debug: DebugInfo{
			Confidence:           min(a.Debug.Confidence, b.Debug.Confidence),
			TablesDiscovered:     a.Debug.TablesDiscovered + b.Debug.TablesDiscovered,
			TableSchemasResolved: a.Debug.TableSchemasResolved + b.Debug.TableSchemasResolved,
			ColumnError:          errors.Join(a.Debug.ColumnError, b.Debug.ColumnError),
		},
	}
	// the statement that writes describes the script best
	if len(a.OutTables) == 0 && len(b.OutTables) > 0 {
		out.QueryType = b.QueryType
	}
	return out
}

func toMappings(cll []core.ColumnLineageInfo, urnOf func(core.TableName) string) []ColumnMapping {
	out := make([]ColumnMapping, 0, len(cll))
	for _, info := range cll {
		m := ColumnMapping{
			Downstream: DatasetColumn{Column: info.Downstream.Column},
			NativeType: info.Downstream.NativeType,
			Logic:      info.Logic,
			Upstreams:  make([]DatasetColumn, 0, len(info.Upstreams)),
		}
		if info.Downstream.Table != nil {
			m.Downstream.Dataset = urnOf(*info.Downstream.Table)
		}
		for _, up := range info.Upstreams {
			m.Upstreams = append(m.Upstreams, DatasetColumn{Dataset: urnOf(up.Table), Column: up.Column})
		}
		out = append(out, m)
	}
	return UnionColumnMappings(nil, out)
}

func sortedUnique(s []string) []string {
	slices.Sort(s)
	return slices.Compact(s)
}
