// Package predicate builds the table predicates of a run: regex
// allow/deny patterns and starlark expressions over table names.
package predicate

import (
	"fmt"
	"regexp"
)

// Pattern is an allow/deny list of regular expressions. A name is
// allowed when no deny pattern and at least one allow pattern matches.
// Patterns are anchored at the start of the name only, so "sales\." allows
// every table of the sales schema.
type Pattern struct {
	Allow      []string `koanf:"allow" json:"allow,omitempty"`
	Deny       []string `koanf:"deny" json:"deny,omitempty"`
	IgnoreCase bool     `koanf:"ignore_case" json:"ignore_case,omitempty"`
}

// AllowAll returns a pattern that allows every name.
func AllowAll() Pattern {
	return Pattern{Allow: []string{".*"}}
}

// IsZero reports whether the pattern has no allow and no deny entries.
func (p Pattern) IsZero() bool {
	return len(p.Allow) == 0 && len(p.Deny) == 0
}

// Matcher is a compiled Pattern. It is safe for concurrent use.
type Matcher struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
	// defaulted is set when the allow list was empty.
	defaulted bool
}

// Compile compiles the pattern. An empty allow list allows everything.
func (p Pattern) Compile() (*Matcher, error) {
	allow := p.Allow
	if len(allow) == 0 {
		allow = AllowAll().Allow
	}
	m := &Matcher{defaulted: len(p.Allow) == 0}
	var err error
	if m.allow, err = compileAll(allow, p.IgnoreCase); err != nil {
		return nil, fmt.Errorf("invalid allow pattern: %w", err)
	}
	if m.deny, err = compileAll(p.Deny, p.IgnoreCase); err != nil {
		return nil, fmt.Errorf("invalid deny pattern: %w", err)
	}
	return m, nil
}

func compileAll(patterns []string, ignoreCase bool) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := `^(?:` + p + `)`
		if ignoreCase {
			expr = `(?i)` + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Allowed reports whether name passes the pattern.
func (m *Matcher) Allowed(name string) bool {
	for _, re := range m.deny {
		if re.MatchString(name) {
			return false
		}
	}
	for _, re := range m.allow {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Selects is Allowed for patterns that pick names out rather than
// filter them, like temp table patterns: an empty allow list selects
// nothing.
func (m *Matcher) Selects(name string) bool {
	return !m.defaulted && m.Allowed(name)
}
