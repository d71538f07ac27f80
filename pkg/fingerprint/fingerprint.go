// Package fingerprint computes stable identifiers for SQL queries.
//
// Two queries that differ only in literal values, comments, whitespace or
// keyword case get the same fingerprint. The fast path works on the text
// alone; the full path asks the SQL parser for a structural fingerprint
// and falls back to the fast path when the query does not parse.
package fingerprint

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/zeebo/xxh3"
)

var (
	// token splits a query into comments, quoted strings and identifiers,
	// words, numbers, whitespace and single characters, in that order of
	// preference. Unterminated quotes run to the end of the text.
	token = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/|'(?:[^']|'')*'?|"(?:[^"]|"")*"?|` +
		"`[^`]*`?" + `|[\pL_][\pL\pN_$]*|\d+(?:\.\d*)?(?:[eE][-+]?\d+)?|\.\d+(?:[eE][-+]?\d+)?|\s+|.`)
	inList     = regexp.MustCompile(`\bin\s*\(\s*\?(?:\s*,\s*\?)*\s*\)`)
	valuesList = regexp.MustCompile(`\bvalues\s*\(\s*\?(?:\s*,\s*\?)*\s*\)(?:\s*,\s*\(\s*\?(?:\s*,\s*\?)*\s*\))*`)
	whitespace = regexp.MustCompile(`\s+`)
)

// GeneralizeQuery rewrites a query into its literal-free shape: comments
// are removed, literals become ?, IN and VALUES lists collapse to a single
// element, whitespace is collapsed and keywords and unquoted names are
// lowercased. Quoted identifiers are kept verbatim, and so are digits
// that belong to a name, as in proj-123.ds.t.
func GeneralizeQuery(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, loc := range token.FindAllStringIndex(query, -1) {
		tok := query[loc[0]:loc[1]]
		switch c := tok[0]; {
		case strings.HasPrefix(tok, "--"), strings.HasPrefix(tok, "/*"):
			b.WriteByte(' ')
		case c == '\'':
			b.WriteByte('?')
		case c == '"', c == '`':
			b.WriteString(tok)
		case c >= '0' && c <= '9', c == '.' && len(tok) > 1:
			if partOfName(query, loc[0], loc[1]) {
				b.WriteString(tok)
			} else {
				b.WriteByte('?')
			}
		default:
			b.WriteString(strings.ToLower(tok))
		}
	}
	q := inList.ReplaceAllString(b.String(), "in (?)")
	q = valuesList.ReplaceAllString(q, "values (?)")
	q = whitespace.ReplaceAllString(q, " ")
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(q), ";"))
}

// partOfName reports whether the number at query[start:end] is glued to
// a name rather than standing alone as a literal.
func partOfName(query string, start, end int) bool {
	if start > 0 {
		switch query[start-1] {
		case '.', '$', '@', '#':
			return true
		case '-':
			// proj-123 is a name, > -5 is a negative literal
			if start > 1 {
				r, _ := utf8.DecodeLastRuneInString(query[:start-1])
				return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
			}
		}
	}
	if end < len(query) {
		r, _ := utf8.DecodeRuneInString(query[end:])
		return r == '_' || unicode.IsLetter(r)
	}
	return false
}

// Fingerprint returns a deterministic hex identifier for query on platform.
func Fingerprint(query, platform string, fast bool) string {
	if !fast {
		if fp, err := structural(query, platform); err == nil {
			return hash(platform, "pg:"+fp)
		}
	}
	return hash(platform, GeneralizeQuery(query))
}

// structural returns the parser fingerprint of the dialect-normalized query.
func structural(query, platform string) (string, error) {
	if d, ok := dialect.Get(platform); ok {
		query = d.Preprocess(query)
	}
	fp, err := pg_query.Fingerprint(query)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint query: %w", err)
	}
	return fp, nil
}

// Normalize replaces the constants of a query with numbered parameters
// ($1, $2, ...). Queries that do not parse are generalized instead.
func Normalize(query, platform string) string {
	text := query
	if d, ok := dialect.Get(platform); ok {
		text = d.Preprocess(query)
	}
	out, err := pg_query.Normalize(text)
	if err != nil {
		return GeneralizeQuery(query)
	}
	return out
}

func hash(platform, text string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(platform+"\x00"+text))
}
