package lineage

import (
	"fmt"
	"strings"
)

// resolution is where a column reference points: a source column, or an
// earlier output of the same scope for dialects with lateral aliases.
type resolution struct {
	scope    *Scope
	src      *Source
	column   string
	subfield string
	lateral  *Output
}

// resolve qualifies a column reference. It looks in the scope itself
// first and then in the enclosing scopes, so correlated references
// resolve to the outer query. A qualifier naming a source anywhere in
// the chain wins over reading the reference as a nested field path.
//
// A reference matching exactly one source with a known schema wins.
// Failing that, a single source with an unknown schema is assumed to
// hold the column. Anything else is an SQLOptimizerError.
func resolve(scope *Scope, parts []string, index int) ([]resolution, error) {
	for s := scope; s != nil; s = s.Parent {
		if r, ok := s.resolveQualified(parts); ok {
			return []resolution{r}, nil
		}
	}
	for s := scope; s != nil; s = s.Parent {
		current := -1
		if s == scope {
			current = index
		}
		res, err := s.resolveUnqualified(parts, current)
		if err != nil || len(res) > 0 {
			return res, err
		}
	}
	return nil, &SQLOptimizerError{Column: strings.Join(parts, "."), Reason: "column not found in any source"}
}

// resolveQualified handles references whose leading parts name a source,
// such as o.amount or sales.orders.amount.
func (s *Scope) resolveQualified(parts []string) (resolution, bool) {
	for k := min(len(parts)-1, 3); k >= 1; k-- {
		src := s.findSource(parts[:k])
		if src == nil {
			continue
		}
		column := parts[k]
		if state, stored := src.hasColumn(column); state != no {
			column = stored
		}
		return resolution{scope: s, src: src, column: column, subfield: strings.Join(parts[k+1:], ".")}, true
	}
	return resolution{}, false
}

// resolveUnqualified handles a bare column, possibly followed by a
// nested field path. index is the output being traced in this scope, or
// -1 when lateral aliases must not be considered.
func (s *Scope) resolveUnqualified(parts []string, index int) ([]resolution, error) {
	column, subfield := parts[0], strings.Join(parts[1:], ".")

	var definite, unknown []resolution
	for _, src := range s.Sources {
		state, stored := src.hasColumn(column)
		r := resolution{scope: s, src: src, column: stored, subfield: subfield}
		switch state {
		case yes:
			definite = append(definite, r)
		case maybe:
			unknown = append(unknown, r)
		}
	}

	switch {
	case len(definite) == 1:
		return definite, nil
	case len(definite) > 1:
		if _, ok := s.usingCols[strings.ToLower(column)]; ok || s.natural {
			return definite, nil
		}
		return nil, &SQLOptimizerError{Column: column, Reason: "ambiguous column reference"}
	}

	switch len(unknown) {
	case 0:
		if s.allowAlias && index > 0 {
			for _, out := range s.Outputs[:min(index, len(s.Outputs))] {
				if strings.EqualFold(out.Name, column) {
					return []resolution{{scope: s, lateral: out, subfield: subfield}}, nil
				}
			}
		}
		return nil, nil
	case 1:
		return unknown, nil
	default:
		return nil, &SQLOptimizerError{
			Column: column,
			Reason: fmt.Sprintf("ambiguous between %d relations without schema", len(unknown)),
		}
	}
}

// findSource returns the source a qualifier names.
func (s *Scope) findSource(qualifier []string) *Source {
	for _, src := range s.Sources {
		if src.matches(qualifier) {
			return src
		}
	}
	return nil
}

func (src *Source) describe() string {
	if src.Kind == SourceTable {
		return "table " + src.Table.String()
	}
	return src.Kind.String() + " " + src.Name
}
