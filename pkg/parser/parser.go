// Package parser turns SQL text into typed statement trees.
//
// Parsing is delegated to the PostgreSQL grammar from pg_query_go. Each
// platform's dialect first rewrites the syntax that grammar cannot read
// (backtick or bracket identifiers, CREATE OR REPLACE TABLE, INSERT
// OVERWRITE and so on), then the text is parsed:
//
//	d, _ := dialect.Get("snowflake")
//	stmt, err := parser.Parse(ctx, "INSERT INTO t SELECT * FROM s", d)
//	if err != nil {
//	    // *ParseError
//	}
//	fmt.Println(stmt.Kind()) // INSERT
//
// Deep walks over the resulting tree take a Guard so a caller-provided
// context can stop them.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// defaultDialect is used when the caller passes a nil dialect.
const defaultDialect = "postgres"

// Parse parses exactly one statement.
func Parse(ctx context.Context, sql string, d *dialect.Dialect) (*Statement, error) {
	stmts, err := parseAll(ctx, sql, d)
	if err != nil {
		return nil, err
	}
	switch len(stmts) {
	case 0:
		return nil, &ParseError{Reason: "no statement found", OffendingText: truncate(sql, maxOffendingText)}
	case 1:
		return stmts[0], nil
	default:
		return nil, &ParseError{
			Reason:        fmt.Sprintf("expected a single statement, found %d", len(stmts)),
			OffendingText: truncate(sql, maxOffendingText),
		}
	}
}

// ParseScript parses a multi-statement script. Transaction control and
// session statements are dropped. When the script as a whole does not
// parse, it is split into statements and each one is parsed on its own;
// the statements that parsed are returned together with the joined
// errors of the ones that did not.
func ParseScript(ctx context.Context, sql string, d *dialect.Dialect) ([]*Statement, error) {
	stmts, err := parseAll(ctx, sql, d)
	if err == nil {
		return filterScript(stmts), nil
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		return nil, err
	}

	d = orDefault(d)
	parts, splitErr := pg_query.SplitWithScanner(d.Preprocess(sql), true)
	if splitErr != nil || len(parts) < 2 {
		return nil, err
	}

	var (
		out  []*Statement
		errs []error
	)
	for _, part := range parts {
		one, err := parseText(part, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, one...)
	}
	return filterScript(out), errors.Join(errs...)
}

func orDefault(d *dialect.Dialect) *dialect.Dialect {
	if d != nil {
		return d
	}
	d, _ = dialect.Get(defaultDialect)
	return d
}

func parseAll(ctx context.Context, sql string, d *dialect.Dialect) ([]*Statement, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStatementAborted, err)
		}
	}
	d = orDefault(d)
	return parseText(d.Preprocess(sql), d)
}

// parseText parses text that has already been preprocessed for d.
func parseText(text string, d *dialect.Dialect) ([]*Statement, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "empty statement"}
	}

	result, err := pg_query.Parse(text)
	if err != nil {
		return nil, newParseError(err, text)
	}

	stmts := make([]*Statement, 0, len(result.Stmts))
	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		stmts = append(stmts, &Statement{
			node:    raw.Stmt,
			text:    statementText(text, raw),
			dialect: d,
		})
	}
	return stmts, nil
}

// statementText slices the source text of one raw statement.
func statementText(text string, raw *pg_query.RawStmt) string {
	start := int(raw.StmtLocation)
	if start < 0 || start > len(text) {
		return text
	}
	end := len(text)
	if raw.StmtLen > 0 && start+int(raw.StmtLen) <= len(text) {
		end = start + int(raw.StmtLen)
	}
	return strings.TrimSpace(text[start:end])
}

func filterScript(stmts []*Statement) []*Statement {
	out := stmts[:0]
	for _, s := range stmts {
		switch s.node.Node.(type) {
		case *pg_query.Node_TransactionStmt, *pg_query.Node_VariableSetStmt, *pg_query.Node_VariableShowStmt:
			continue
		}
		out = append(out, s)
	}
	return out
}
