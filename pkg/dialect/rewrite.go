package dialect

import (
	"regexp"
	"strings"
)

// Rewrite is a named text transformation applied before parsing.
type Rewrite struct {
	Name  string
	Apply func(string) string
}

// RegexRewrite replaces every match of pattern with repl (regexp.Expand syntax).
func RegexRewrite(name, pattern, repl string) Rewrite {
	re := regexp.MustCompile(pattern)
	return Rewrite{
		Name:  name,
		Apply: func(s string) string { return re.ReplaceAllString(s, repl) },
	}
}

// QuoteRewrite turns identifiers quoted with open/close into double-quoted
// identifiers. When splitDots is set, a quoted name containing dots is
// treated as a multi-part reference (`project.dataset.table`).
// String literals, comments and existing double-quoted identifiers are
// copied unchanged.
func QuoteRewrite(name string, open, close byte, splitDots bool) Rewrite {
	return Rewrite{
		Name: name,
		Apply: func(s string) string {
			return rewriteQuoted(s, open, close, splitDots)
		},
	}
}

func rewriteQuoted(s string, open, close byte, splitDots bool) string {
	if strings.IndexByte(s, open) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			j := skipQuoted(s, i, c)
			b.WriteString(s[i:j])
			i = j
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				j = len(s) - i
			}
			b.WriteString(s[i : i+j])
			i += j
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			j := strings.Index(s[i+2:], "*/")
			end := len(s)
			if j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(s[i:end])
			i = end
		case c == open:
			j := strings.IndexByte(s[i+1:], close)
			if j < 0 {
				b.WriteString(s[i:])
				return b.String()
			}
			ident := s[i+1 : i+1+j]
			if splitDots && strings.Contains(ident, ".") {
				for k, part := range strings.Split(ident, ".") {
					if k > 0 {
						b.WriteByte('.')
					}
					writeDoubleQuoted(&b, part)
				}
			} else {
				writeDoubleQuoted(&b, ident)
			}
			i += j + 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the quoted run starting at i.
// A doubled quote character is an escaped quote.
func skipQuoted(s string, i int, q byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

func writeDoubleQuoted(b *strings.Builder, ident string) {
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(ident, `"`, `""`))
	b.WriteByte('"')
}

// Rewrites shared by several platforms.
var (
	rewriteTransient = RegexRewrite("strip-transient",
		`(?i)\b(CREATE\s+(?:OR\s+REPLACE\s+)?)(?:TRANSIENT|VOLATILE|MULTISET)\s+`, `${1}`)

	rewriteOrReplaceTable = RegexRewrite("create-or-replace-table",
		`(?i)\bCREATE\s+OR\s+REPLACE\s+((?:(?:LOCAL|GLOBAL)\s+)?TEMP(?:ORARY)?\s+)?TABLE\b`, `CREATE ${1}TABLE`)

	rewriteInsertOverwrite = RegexRewrite("insert-overwrite",
		`(?i)\bINSERT\s+(?:OVERWRITE|INTO)\s+TABLE\b`, `INSERT INTO`)

	rewriteInsertOverwriteBare = RegexRewrite("insert-overwrite-bare",
		`(?i)\bINSERT\s+OVERWRITE\b`, `INSERT INTO`)

	rewritePartitionSpec = RegexRewrite("partition-spec",
		`(?i)(\bINSERT\s+INTO\s+[^\s(]+)\s+PARTITION\s*\([^)]*\)`, `${1}`)

	rewriteReplaceInto = RegexRewrite("replace-into",
		`(?i)^(\s*)REPLACE\s+INTO\b`, `${1}INSERT INTO`)

	rewriteTop = RegexRewrite("select-top",
		`(?i)\bSELECT\s+(DISTINCT\s+)?TOP\s*\(?\s*\d+\s*\)?\s+(?:PERCENT\s+)?`, `SELECT ${1}`)

	rewriteHashTemp = RegexRewrite("hash-temp-table",
		`(^|[\s,(])(#{1,2}\w+)`, `${1}"${2}"`)

	rewriteBackticks       = QuoteRewrite("backtick-identifiers", '`', '`', false)
	rewriteBackticksDotted = QuoteRewrite("backtick-dotted-identifiers", '`', '`', true)
	rewriteBrackets        = QuoteRewrite("bracket-identifiers", '[', ']', false)
)
