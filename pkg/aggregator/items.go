package aggregator

import (
	"time"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/lineage"
)

// LineageType classifies an upstream edge.
type LineageType string

// Lineage types carried on emitted upstreams.
const (
	LineageTransformed LineageType = "TRANSFORMED"
	LineageView        LineageType = "VIEW"
	LineageCopy        LineageType = "COPY"
)

// Item is one input of the aggregator. The concrete types are
// *ObservedQuery, *PreparsedQuery, *KnownLineageMapping, *ViewDefinition
// and *TableRename.
type Item interface {
	item()
}

// ObservedQuery is a raw query taken from a query log. Its lineage is
// computed by parsing the text.
type ObservedQuery struct {
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	// User is a corpuser urn or a bare user name.
	User          string `json:"user,omitempty"`
	DefaultDB     string `json:"default_db,omitempty"`
	DefaultSchema string `json:"default_schema,omitempty"`
	// QueryHash replaces the computed fingerprint when set.
	QueryHash string `json:"query_hash,omitempty"`
	// UsageMultiplier is how many executions the entry stands for. Zero
	// counts as one.
	UsageMultiplier int `json:"usage_multiplier,omitempty"`
	// UserVia is set when tool metadata re-attributed the query; it holds
	// the user that actually ran it.
	UserVia string `json:"user_via,omitempty"`
}

// PreparsedQuery is a query whose lineage is already known, typically
// from a warehouse access history.
type PreparsedQuery struct {
	// QueryID defaults to the fingerprint of QueryText.
	QueryID       string                  `json:"query_id,omitempty"`
	QueryText     string                  `json:"query_text"`
	Upstreams     []string                `json:"upstreams"`
	Downstream    string                  `json:"downstream,omitempty"`
	ColumnLineage []lineage.ColumnMapping `json:"column_lineage,omitempty"`
	// ColumnUsage maps an upstream urn to the columns the query read.
	ColumnUsage map[string][]string `json:"column_usage,omitempty"`
	// ConfidenceScore defaults to 1.
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	// QueryCount defaults to 1.
	QueryCount int            `json:"query_count,omitempty"`
	User       string         `json:"user,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	QueryType  core.QueryType `json:"query_type,omitempty"`
}

// KnownLineageMapping is a table-level edge learned without a query,
// e.g. from copy history.
type KnownLineageMapping struct {
	Upstream    string      `json:"upstream"`
	Downstream  string      `json:"downstream"`
	LineageType LineageType `json:"lineage_type,omitempty"`
}

// ViewDefinition is the DDL of a view. Its lineage is computed when
// metadata is generated, so schemas added in the meantime are used.
type ViewDefinition struct {
	ViewURN       string `json:"view_urn"`
	Definition    string `json:"definition"`
	DefaultDB     string `json:"default_db,omitempty"`
	DefaultSchema string `json:"default_schema,omitempty"`
}

// TableRename records that a table was renamed.
type TableRename struct {
	OriginalURN string    `json:"original_urn"`
	NewURN      string    `json:"new_urn"`
	Query       string    `json:"query,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (*ObservedQuery) item()       {}
func (*PreparsedQuery) item()      {}
func (*KnownLineageMapping) item() {}
func (*ViewDefinition) item()      {}
func (*TableRename) item()         {}
