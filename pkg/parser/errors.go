package parser

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrStatementAborted is returned when processing of a statement was
// stopped by its Guard, either through cancellation or a depth limit.
var ErrStatementAborted = errors.New("statement processing aborted")

// maxOffendingText bounds the SQL excerpt carried by a ParseError.
const maxOffendingText = 200

var nearPattern = regexp.MustCompile(`at or near "([^"]*)"`)

// ParseError represents SQL text the parser could not read.
type ParseError struct {
	Reason        string
	OffendingText string
	Err           error
}

func (e *ParseError) Error() string {
	if e.OffendingText == "" {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error: %s (near %q)", e.Reason, e.OffendingText)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// newParseError builds a ParseError from a parser failure. The offending
// text is the token reported by the parser when present, otherwise a
// truncated copy of the statement.
func newParseError(err error, sql string) *ParseError {
	pe := &ParseError{Reason: err.Error(), Err: err}
	if m := nearPattern.FindStringSubmatch(pe.Reason); m != nil {
		pe.OffendingText = m[1]
	} else {
		pe.OffendingText = truncate(sql, maxOffendingText)
	}
	return pe
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
