package lineage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// ErrUnsupportedStatement matches every UnsupportedStatementError.
var ErrUnsupportedStatement = errors.New("unsupported statement type")

// UnsupportedStatementError is returned when column lineage cannot be
// generated for a kind of statement.
type UnsupportedStatementError struct {
	Kind core.QueryType
}

func (e *UnsupportedStatementError) Error() string {
	return fmt.Sprintf("cannot generate column-level lineage for %s statements", e.Kind)
}

// Is reports whether target is ErrUnsupportedStatement.
func (e *UnsupportedStatementError) Is(target error) bool {
	return target == ErrUnsupportedStatement
}

// SQLOptimizerError is returned when columns cannot be qualified,
// usually because a table schema is missing. The statement still has
// table-level lineage.
type SQLOptimizerError struct {
	Column string
	Reason string
}

func (e *SQLOptimizerError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("failed to qualify column %q: %s", e.Column, e.Reason)
	}
	return "failed to qualify columns: " + e.Reason
}

// CircularScopeError is returned when resolving a column leads back to
// a scope that is already being resolved.
type CircularScopeError struct {
	Path []string
}

func (e *CircularScopeError) Error() string {
	return "circular scope reference: " + strings.Join(e.Path, " -> ")
}
