package lineage

import (
	"slices"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// ScopeTraversal guards the walk from an output column to the base
// columns it derives from. Enter is called before a column of a scope
// is resolved and Leave once it is done; an error from Enter aborts
// column lineage for the statement.
type ScopeTraversal interface {
	Enter(scope *Scope, column string) error
	Leave(scope *Scope, column string)
}

type traversalKey struct {
	scope  *Scope
	column string
}

// dfsTraversal tracks the columns on the current resolution path and
// reports a revisit as a CircularScopeError.
type dfsTraversal struct {
	onPath map[traversalKey]struct{}
	path   []string
}

// NewDFSTraversal returns the default ScopeTraversal.
func NewDFSTraversal() ScopeTraversal {
	return &dfsTraversal{onPath: make(map[traversalKey]struct{})}
}

func (t *dfsTraversal) Enter(scope *Scope, column string) error {
	key := traversalKey{scope: scope, column: strings.ToLower(column)}
	label := scope.Name + "." + column
	if _, ok := t.onPath[key]; ok {
		return &CircularScopeError{Path: append(slices.Clone(t.path), label)}
	}
	t.onPath[key] = struct{}{}
	t.path = append(t.path, label)
	return nil
}

func (t *dfsTraversal) Leave(scope *Scope, column string) {
	delete(t.onPath, traversalKey{scope: scope, column: strings.ToLower(column)})
	if len(t.path) > 0 {
		t.path = t.path[:len(t.path)-1]
	}
}

// LineageNode is one step from an output column towards its sources.
// Leaves that stand for a base table column carry the table.
type LineageNode struct {
	// Name is the column name within Source.
	Name string
	// Source names the scope or table the column belongs to.
	Source string
	// Subfield is the nested field path below Name, e.g. "b.c" when the
	// query reads a.b.c.
	Subfield string
	// Downstream holds the nodes this column is computed from.
	Downstream []*LineageNode

	table *core.TableName
}

// Table returns the base table of a leaf node.
func (n *LineageNode) Table() (core.TableName, bool) {
	if n.table == nil {
		return core.TableName{}, false
	}
	return *n.table, true
}

// Column returns the full column path, including the subfield.
func (n *LineageNode) Column() string {
	if n.Subfield == "" {
		return n.Name
	}
	return n.Name + "." + n.Subfield
}

// Walk calls fn for n and every node below it.
func (n *LineageNode) Walk(fn func(*LineageNode)) {
	fn(n)
	for _, d := range n.Downstream {
		d.Walk(fn)
	}
}

// Upstreams returns the base table columns reachable from n.
func (n *LineageNode) Upstreams() []core.ColumnRef {
	var refs []core.ColumnRef
	n.Walk(func(node *LineageNode) {
		if t, ok := node.Table(); ok {
			refs = append(refs, core.ColumnRef{Table: t, Column: node.Column()})
		}
	})
	return core.SortColumnRefs(refs)
}
