package parser

import (
	"fmt"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Statement is one parsed SQL statement.
type Statement struct {
	node    *pg_query.Node
	text    string
	dialect *dialect.Dialect
}

// NewStatement wraps an already parsed node.
func NewStatement(node *pg_query.Node, text string, d *dialect.Dialect) *Statement {
	return &Statement{node: node, text: text, dialect: d}
}

// Node returns the root node of the statement.
func (s *Statement) Node() *pg_query.Node {
	return s.node
}

// Text returns the dialect-normalized source text of the statement.
func (s *Statement) Text() string {
	return s.text
}

// Dialect returns the dialect the statement was parsed with.
func (s *Statement) Dialect() *dialect.Dialect {
	return s.dialect
}

// Kind classifies the statement.
func (s *Statement) Kind() core.QueryType {
	switch n := s.node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		if n.SelectStmt.IntoClause != nil {
			return core.QueryTypeCreateTableAs
		}
		return core.QueryTypeSelect
	case *pg_query.Node_InsertStmt:
		return core.QueryTypeInsert
	case *pg_query.Node_UpdateStmt:
		return core.QueryTypeUpdate
	case *pg_query.Node_DeleteStmt:
		return core.QueryTypeDelete
	case *pg_query.Node_MergeStmt:
		return core.QueryTypeMerge
	case *pg_query.Node_CreateTableAsStmt:
		if n.CreateTableAsStmt.Objtype == pg_query.ObjectType_OBJECT_MATVIEW {
			return core.QueryTypeCreateView
		}
		return core.QueryTypeCreateTableAs
	case *pg_query.Node_ViewStmt:
		return core.QueryTypeCreateView
	case *pg_query.Node_CreateStmt:
		return core.QueryTypeCreateDDL
	case *pg_query.Node_AlterTableStmt, *pg_query.Node_RenameStmt:
		return core.QueryTypeAlter
	case *pg_query.Node_DropStmt:
		return core.QueryTypeDrop
	case *pg_query.Node_CopyStmt:
		return core.QueryTypeCopy
	default:
		return core.QueryTypeUnknown
	}
}

// Deparse renders the statement back to SQL in canonical form.
func (s *Statement) Deparse() (string, error) {
	out, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{Stmt: s.node}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to deparse statement: %w", err)
	}
	return out, nil
}

// DeparseExpr renders a single expression by wrapping it in a SELECT.
func DeparseExpr(expr *pg_query.Node) (string, error) {
	sel := &pg_query.SelectStmt{
		TargetList: []*pg_query.Node{{
			Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{Val: expr}},
		}},
		LimitOption: pg_query.LimitOption_LIMIT_OPTION_DEFAULT,
		Op:          pg_query.SetOperation_SETOP_NONE,
	}
	out, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to deparse expression: %w", err)
	}
	const prefix = "SELECT "
	if len(out) >= len(prefix) && out[:len(prefix)] == prefix {
		out = out[len(prefix):]
	}
	return out, nil
}
