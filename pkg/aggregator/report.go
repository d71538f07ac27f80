package aggregator

import (
	"errors"

	"github.com/leapstack-labs/leaplineage/pkg/lineage"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

// maxWarnings caps the warning samples kept in a report.
const maxWarnings = 10

// maxSampleQueryLen truncates the query text of a warning sample.
const maxSampleQueryLen = 300

// Failure kinds counted in Report.Failures.
const (
	FailureParse         = "parse_error"
	FailureNoStatement   = "no_statement"
	FailureAborted       = "statement_aborted"
	FailureCircularScope = "circular_scope"
	FailureOptimizer     = "sql_optimizer_error"
	FailureUnsupported   = "unsupported_statement"
	FailureColumnOther   = "column_lineage_error"
)

// Warning is a sampled problem with one item.
type Warning struct {
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
	Query   string `json:"query,omitempty" yaml:"query,omitempty"`
}

// Report summarizes an aggregator run. Nothing the aggregator sees aborts
// a run; every problem ends up counted here instead.
type Report struct {
	RunID string `json:"run_id" yaml:"run_id"`

	NumObservedQueries    int `json:"num_observed_queries" yaml:"num_observed_queries"`
	NumPreparsedQueries   int `json:"num_preparsed_queries" yaml:"num_preparsed_queries"`
	NumKnownMappings      int `json:"num_known_mappings" yaml:"num_known_mappings"`
	NumViewDefinitions    int `json:"num_view_definitions" yaml:"num_view_definitions"`
	NumTableRenames       int `json:"num_table_renames" yaml:"num_table_renames"`
	NumScriptsSplit       int `json:"num_scripts_split" yaml:"num_scripts_split"`
	NumDedupedObservation int `json:"num_deduped_observations" yaml:"num_deduped_observations"`
	NumParsedQueries      int `json:"num_parsed_queries" yaml:"num_parsed_queries"`
	NumTableLineageOnly   int `json:"num_table_lineage_only" yaml:"num_table_lineage_only"`
	NumUniqueQueries      int `json:"num_unique_queries" yaml:"num_unique_queries"`

	NumDeniedTables        int `json:"num_denied_tables" yaml:"num_denied_tables"`
	NumTempTablesResolved  int `json:"num_temp_tables_resolved" yaml:"num_temp_tables_resolved"`
	NumUnresolvedTemp      int `json:"num_unresolved_temp_tables" yaml:"num_unresolved_temp_tables"`
	NumTempTableCycles     int `json:"num_temp_table_cycles" yaml:"num_temp_table_cycles"`
	NumOutsideWindow       int `json:"num_outside_window" yaml:"num_outside_window"`
	NumMultipleDownstreams int `json:"num_multiple_downstreams" yaml:"num_multiple_downstreams"`

	NumLineageEdges      int `json:"num_lineage_edges" yaml:"num_lineage_edges"`
	NumLineageRecords    int `json:"num_lineage_records" yaml:"num_lineage_records"`
	NumQueryRecords      int `json:"num_query_records" yaml:"num_query_records"`
	NumUsageRecords      int `json:"num_usage_records" yaml:"num_usage_records"`
	NumQueryUsageRecords int `json:"num_query_usage_records" yaml:"num_query_usage_records"`
	NumOperationRecords  int `json:"num_operation_records" yaml:"num_operation_records"`

	// Failures counts item problems by kind.
	Failures map[string]int `json:"failures,omitempty" yaml:"failures,omitempty"`
	// ToolMeta counts queries re-attributed per BI tool.
	ToolMeta map[string]int `json:"tool_meta,omitempty" yaml:"tool_meta,omitempty"`
	Warnings []Warning      `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	SchemaResolver schema.Stats `json:"schema_resolver" yaml:"schema_resolver"`
}

func newReport(runID string) *Report {
	return &Report{
		RunID:    runID,
		Failures: make(map[string]int),
		ToolMeta: make(map[string]int),
	}
}

func (r *Report) fail(kind string, err error, query string) {
	r.Failures[kind]++
	if len(r.Warnings) >= maxWarnings {
		return
	}
	if len(query) > maxSampleQueryLen {
		query = query[:maxSampleQueryLen] + "..."
	}
	r.Warnings = append(r.Warnings, Warning{Kind: kind, Message: err.Error(), Query: query})
}

// failureKind classifies a lineage error.
func failureKind(err error) string {
	var (
		pe       *parser.ParseError
		optErr   *lineage.SQLOptimizerError
		circular *lineage.CircularScopeError
	)
	switch {
	case errors.As(err, &circular):
		return FailureCircularScope
	case errors.Is(err, parser.ErrStatementAborted):
		return FailureAborted
	case errors.As(err, &pe):
		return FailureParse
	case errors.Is(err, lineage.ErrNoStatement):
		return FailureNoStatement
	case errors.Is(err, lineage.ErrUnsupportedStatement):
		return FailureUnsupported
	case errors.As(err, &optErr):
		return FailureOptimizer
	default:
		return FailureColumnOther
	}
}
