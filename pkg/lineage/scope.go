package lineage

import (
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// SourceKind classifies a relation visible in a scope.
type SourceKind int

const (
	// SourceTable is a base table.
	SourceTable SourceKind = iota
	// SourceCTE is a reference to a common table expression.
	SourceCTE
	// SourceDerived is a subquery in FROM.
	SourceDerived
	// SourceOpaque is a relation whose columns cannot be traced, such as
	// a set-returning function.
	SourceOpaque
)

func (k SourceKind) String() string {
	switch k {
	case SourceTable:
		return "table"
	case SourceCTE:
		return "cte"
	case SourceDerived:
		return "derived"
	default:
		return "opaque"
	}
}

// Source is a relation in the FROM clause of a scope.
type Source struct {
	Kind SourceKind
	// Name is the alias, or the relation name when there is none.
	Name string
	// Table and Schema are set for SourceTable. A nil Schema is unknown.
	Table  core.TableName
	Schema core.SchemaInfo
	// Scope is set for SourceCTE and SourceDerived.
	Scope *Scope
	// Columns holds column aliases, as in "AS x(a, b)".
	Columns []string
}

// Output is one column produced by a scope.
type Output struct {
	Name string
	// Exprs are the expressions the column is computed from. VALUES lists
	// and MERGE statements can have several.
	Exprs []*pg_query.Node
	// From and Column are set for columns expanded from a star.
	From   *Source
	Column string

	index int
}

// Scope is one SELECT level: the relations it reads and the columns it
// produces. A set operation is a scope whose Branches produce the
// outputs positionally.
type Scope struct {
	Name     string
	Sources  []*Source
	Outputs  []*Output
	Branches []*Scope
	// Parent is the enclosing scope that correlated references resolve in.
	Parent *Scope

	env        *cteEnv
	usingCols  map[string]struct{}
	natural    bool
	allowAlias bool
}

func newScope(name string, env *cteEnv, parent *Scope) *Scope {
	return &Scope{Name: name, env: env, Parent: parent, usingCols: make(map[string]struct{})}
}

func (s *Scope) addOutput(out *Output) {
	out.index = len(s.Outputs)
	s.Outputs = append(s.Outputs, out)
}

// Output finds an output column by name, falling back to a
// case-insensitive match when that is unambiguous.
func (s *Scope) Output(name string) *Output {
	var folded *Output
	for _, out := range s.Outputs {
		if out.Name == name {
			return out
		}
		if strings.EqualFold(out.Name, name) {
			if folded != nil {
				return nil
			}
			folded = out
		}
	}
	return folded
}

// columnNames returns the names the source exposes, or nil when unknown.
func (src *Source) columnNames() []string {
	switch src.Kind {
	case SourceTable:
		if src.Schema == nil {
			return nil
		}
		return topLevelColumns(src.Schema)
	case SourceCTE, SourceDerived:
		names := make([]string, len(src.Scope.Outputs))
		for i, out := range src.Scope.Outputs {
			names[i] = out.Name
			if i < len(src.Columns) {
				names[i] = src.Columns[i]
			}
		}
		return names
	default:
		return src.Columns
	}
}

// output maps a column of a CTE or derived source to the output of its
// scope, honoring column aliases.
func (src *Source) output(name string) *Output {
	for i, alias := range src.Columns {
		if i < len(src.Scope.Outputs) && strings.EqualFold(alias, name) {
			return src.Scope.Outputs[i]
		}
	}
	if len(src.Columns) > 0 {
		// aliased positions hide the original names
		out := src.Scope.Output(name)
		if out != nil && out.index < len(src.Columns) {
			return nil
		}
		return out
	}
	return src.Scope.Output(name)
}

type tristate int

const (
	no tristate = iota
	maybe
	yes
)

// hasColumn reports whether the source has the column. Sources with
// unknown columns answer maybe. The returned name is the column as the
// source spells it.
func (src *Source) hasColumn(name string) (tristate, string) {
	switch src.Kind {
	case SourceTable:
		if src.Schema == nil {
			return maybe, name
		}
		if stored, ok := src.Schema.Lookup(name); ok {
			return yes, stored
		}
		for col := range src.Schema {
			if len(col) > len(name) && col[len(name)] == '.' && strings.EqualFold(col[:len(name)], name) {
				return yes, col[:len(name)]
			}
		}
		return no, name
	case SourceCTE, SourceDerived:
		if out := src.output(name); out != nil {
			return yes, name
		}
		return no, name
	default:
		if len(src.Columns) == 0 {
			return maybe, name
		}
		for _, c := range src.Columns {
			if strings.EqualFold(c, name) {
				return yes, c
			}
		}
		return no, name
	}
}

// matches reports whether a qualifier such as ["s", "orders"] names the
// source.
func (src *Source) matches(qualifier []string) bool {
	if len(qualifier) == 1 {
		return strings.EqualFold(src.Name, qualifier[0])
	}
	if src.Kind != SourceTable || src.Name != src.Table.Table {
		return false
	}
	parts := []string{src.Table.Database, src.Table.Schema, src.Table.Table}
	parts = parts[len(parts)-len(qualifier):]
	for i, q := range qualifier {
		if !strings.EqualFold(parts[i], q) {
			return false
		}
	}
	return true
}

// topLevelColumns returns the first segment of every field path, sorted
// and without duplicates.
func topLevelColumns(schema core.SchemaInfo) []string {
	seen := make(map[string]struct{}, len(schema))
	out := make([]string, 0, len(schema))
	for _, col := range schema.Columns() {
		top, _, _ := strings.Cut(col, ".")
		if _, ok := seen[top]; ok {
			continue
		}
		seen[top] = struct{}{}
		out = append(out, top)
	}
	return out
}

// cteEnv is the set of common table expressions visible at some point.
type cteEnv struct {
	parent *cteEnv
	defs   map[string]*cteDef
}

func (e *cteEnv) lookup(name string) *cteDef {
	for env := e; env != nil; env = env.parent {
		if def, ok := env.defs[name]; ok {
			return def
		}
	}
	return nil
}

type cteState int

const (
	cteUnbuilt cteState = iota
	cteBuilding
	cteBuilt
)

type cteDef struct {
	name      string
	query     *pg_query.SelectStmt
	colnames  []string
	recursive bool
	env       *cteEnv
	state     cteState
	scope     *Scope
	// anchor is the non-recursive branch of a recursive CTE while the
	// recursive branch is being built.
	anchor *Scope
}
