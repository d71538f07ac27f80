package core

import (
	"cmp"
	"slices"
	"strings"
)

// TableName is a possibly partially qualified table reference.
// It is a comparable value type and can be used as a map key.
type TableName struct {
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table"`
}

// NewTableName builds a TableName from 1 to 3 dotted parts.
// Extra leading parts are folded into the database component.
func NewTableName(parts ...string) TableName {
	switch len(parts) {
	case 0:
		return TableName{}
	case 1:
		return TableName{Table: parts[0]}
	case 2:
		return TableName{Schema: parts[0], Table: parts[1]}
	default:
		n := len(parts)
		return TableName{
			Database: strings.Join(parts[:n-2], "."),
			Schema:   parts[n-2],
			Table:    parts[n-1],
		}
	}
}

// ParseTableName splits a dotted name such as "db.schema.table".
func ParseTableName(s string) TableName {
	return NewTableName(strings.Split(s, ".")...)
}

// String returns the dot-joined non-empty parts.
func (t TableName) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Database, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// IsZero reports whether the name has no table part.
func (t TableName) IsZero() bool {
	return t.Table == ""
}

// Qualified fills missing database and schema parts with the defaults.
func (t TableName) Qualified(defaultDB, defaultSchema string) TableName {
	if t.Schema == "" {
		t.Schema = defaultSchema
	}
	if t.Database == "" && t.Schema != "" {
		t.Database = defaultDB
	}
	return t
}

// Lower returns the name with every part lowercased.
func (t TableName) Lower() TableName {
	return TableName{
		Database: strings.ToLower(t.Database),
		Schema:   strings.ToLower(t.Schema),
		Table:    strings.ToLower(t.Table),
	}
}

// Compare orders table names by database, schema, then table.
func (t TableName) Compare(o TableName) int {
	if c := cmp.Compare(t.Database, o.Database); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Schema, o.Schema); c != 0 {
		return c
	}
	return cmp.Compare(t.Table, o.Table)
}

// Less reports whether t sorts before o.
func (t TableName) Less(o TableName) bool {
	return t.Compare(o) < 0
}

// SortedTables returns a sorted copy of the set without duplicates.
func SortedTables(set map[TableName]struct{}) []TableName {
	out := make([]TableName, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.SortFunc(out, TableName.Compare)
	return out
}

// ColumnRef is a column of a concrete upstream table.
type ColumnRef struct {
	Table  TableName `json:"table"`
	Column string    `json:"column"`
}

// String returns "table.column".
func (c ColumnRef) String() string {
	return c.Table.String() + "." + c.Column
}

// Compare orders column refs by table, then column.
func (c ColumnRef) Compare(o ColumnRef) int {
	if r := c.Table.Compare(o.Table); r != 0 {
		return r
	}
	return cmp.Compare(c.Column, o.Column)
}

// DownstreamColumnRef is an output column. Table is nil when the query
// writes to no table (plain SELECT).
type DownstreamColumnRef struct {
	Table      *TableName `json:"table,omitempty"`
	Column     string     `json:"column"`
	NativeType string     `json:"native_type,omitempty"`
}

// ColumnLineageInfo maps one output column to the upstream columns it
// is derived from.
type ColumnLineageInfo struct {
	Downstream DownstreamColumnRef `json:"downstream"`
	Upstreams  []ColumnRef         `json:"upstreams"`
	Logic      string              `json:"logic,omitempty"`
}

// Normalize sorts the upstream refs and removes duplicates.
func (c *ColumnLineageInfo) Normalize() {
	c.Upstreams = SortColumnRefs(c.Upstreams)
}

// SortColumnRefs sorts refs in place, removes duplicates and returns the result.
func SortColumnRefs(refs []ColumnRef) []ColumnRef {
	slices.SortFunc(refs, ColumnRef.Compare)
	return slices.Compact(refs)
}

// UnionColumnLineage merges b into a. Entries are matched by downstream
// column and their upstream sets are unioned, so the result never loses
// an edge that either side carried.
func UnionColumnLineage(a, b []ColumnLineageInfo) []ColumnLineageInfo {
	if len(b) == 0 {
		return a
	}
	index := make(map[string]int, len(a))
	out := make([]ColumnLineageInfo, 0, len(a)+len(b))
	for _, cl := range a {
		index[cl.Downstream.Column] = len(out)
		out = append(out, cl)
	}
	for _, cl := range b {
		i, ok := index[cl.Downstream.Column]
		if !ok {
			index[cl.Downstream.Column] = len(out)
			out = append(out, cl)
			continue
		}
		merged := out[i]
		merged.Upstreams = SortColumnRefs(append(slices.Clone(merged.Upstreams), cl.Upstreams...))
		if merged.Logic == "" {
			merged.Logic = cl.Logic
		}
		out[i] = merged
	}
	return out
}

// SchemaInfo maps a normalized field path to a coarse type name.
// A nil SchemaInfo means the schema is unknown, which is different from
// a known schema with zero columns.
type SchemaInfo map[string]string

// Columns returns the field paths in sorted order.
func (s SchemaInfo) Columns() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Lookup finds a column, falling back to a case-insensitive match.
// It returns the column name as stored in the schema.
func (s SchemaInfo) Lookup(name string) (string, bool) {
	if _, ok := s[name]; ok {
		return name, true
	}
	var found string
	for c := range s {
		if strings.EqualFold(c, name) {
			if found != "" {
				return "", false
			}
			found = c
		}
	}
	return found, found != ""
}
