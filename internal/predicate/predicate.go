package predicate

import (
	"fmt"
	"log/slog"
)

// Options configures a Set.
type Options struct {
	// TablePattern filters every table of a run. Zero allows all.
	TablePattern Pattern
	// TempTablePattern marks tables as temporary. Zero marks none.
	TempTablePattern Pattern
	// TempTableExpr is a starlark expression marking tables as temporary,
	// in addition to TempTablePattern.
	TempTableExpr string
	Logger        *slog.Logger
}

// Set holds the compiled table predicates of a run.
type Set struct {
	tables   *Matcher
	temp     *Matcher
	tempExpr func(string) bool
}

// New compiles the predicates of opts.
func New(opts Options) (*Set, error) {
	s := &Set{}
	var err error
	if s.tables, err = opts.TablePattern.Compile(); err != nil {
		return nil, fmt.Errorf("table_pattern: %w", err)
	}
	if s.temp, err = opts.TempTablePattern.Compile(); err != nil {
		return nil, fmt.Errorf("temp_table_pattern: %w", err)
	}
	if opts.TempTableExpr != "" {
		expr, err := CompileExpr(opts.TempTableExpr)
		if err != nil {
			return nil, fmt.Errorf("temp_table_expr: %w", err)
		}
		s.tempExpr = expr.Func(opts.Logger)
	}
	return s, nil
}

// IsAllowedTable reports whether a dataset name passes the table pattern.
func (s *Set) IsAllowedTable(name string) bool {
	return s.tables.Allowed(name)
}

// IsTempTable reports whether a dataset name is marked temporary.
func (s *Set) IsTempTable(name string) bool {
	if s.temp.Selects(name) {
		return true
	}
	return s.tempExpr != nil && s.tempExpr(name)
}
