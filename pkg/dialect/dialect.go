// Package dialect describes the SQL platforms lineage can be extracted for.
//
// A Dialect carries the platform's identifier rules and the text rewrites
// that turn platform-specific syntax into something the PostgreSQL grammar
// used by pkg/parser accepts. Dialects are registered by name in a global
// registry; the builtin platforms are registered when the package loads.
package dialect

import (
	"strconv"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Dialect is a platform definition. It embeds the static configuration
// and adds the pre-parse rewrites.
type Dialect struct {
	core.DialectConfig

	rewrites []Rewrite
}

// Config returns the static configuration of the dialect.
func (d *Dialect) Config() *core.DialectConfig {
	return &d.DialectConfig
}

// NormalizeName normalizes an unquoted identifier according to dialect rules.
func (d *Dialect) NormalizeName(name string) string {
	switch d.Identifiers.Normalization {
	case core.NormUppercase:
		return cases.Upper(language.Und).String(name)
	case core.NormLowercase, core.NormCaseInsensitive:
		return cases.Lower(language.Und).String(name)
	default: // NormCaseSensitive
		return name
	}
}

// URNName renders a table name as it appears in a dataset urn.
func (d *Dialect) URNName(t core.TableName) string {
	name := t.String()
	if d.LowercaseURNs {
		return cases.Lower(language.Und).String(name)
	}
	return name
}

// Preprocess applies the dialect rewrites to a SQL string, in registration order.
func (d *Dialect) Preprocess(sql string) string {
	for _, r := range d.rewrites {
		sql = r.Apply(sql)
	}
	return sql
}

// Rewrites returns the names of the registered rewrites.
func (d *Dialect) Rewrites() []string {
	names := make([]string, len(d.rewrites))
	for i, r := range d.rewrites {
		names[i] = r.Name
	}
	return names
}

// FormatPlaceholder returns a placeholder for the given parameter index (1-based).
// Returns "?" for PlaceholderQuestion style, "$1", "$2" etc. for PlaceholderDollar style.
func (d *Dialect) FormatPlaceholder(index int) string {
	switch d.Placeholder {
	case core.PlaceholderDollar:
		return "$" + strconv.Itoa(index)
	default: // PlaceholderQuestion
		return "?"
	}
}

// QuoteIdentifier quotes an identifier using the dialect's quote characters.
func (d *Dialect) QuoteIdentifier(name string) string {
	// Escape any existing quote end characters in the name (e.g., ] -> ]])
	escaped := strings.ReplaceAll(name, d.Identifiers.QuoteEnd, d.Identifiers.Escape)
	return d.Identifiers.Quote + escaped + d.Identifiers.QuoteEnd
}

// Builder provides a fluent API for constructing dialects.
type Builder struct {
	dialect *Dialect
}

// NewDialect creates a new dialect builder with the given name.
func NewDialect(name string) *Builder {
	return &Builder{
		dialect: &Dialect{
			DialectConfig: core.DialectConfig{
				Name: name,
				Identifiers: core.IdentifierConfig{
					Quote:         `"`,
					QuoteEnd:      `"`,
					Escape:        `""`,
					Normalization: core.NormLowercase,
				},
			},
		},
	}
}

// Aliases registers alternative platform names.
func (b *Builder) Aliases(names ...string) *Builder {
	b.dialect.Aliases = append(b.dialect.Aliases, names...)
	return b
}

// Identifiers configures identifier quoting and normalization.
func (b *Builder) Identifiers(quote, quoteEnd, escape string, norm core.NormalizationStrategy) *Builder {
	b.dialect.Identifiers = core.IdentifierConfig{
		Quote:         quote,
		QuoteEnd:      quoteEnd,
		Escape:        escape,
		Normalization: norm,
	}
	return b
}

// DefaultSchema sets the schema assumed for unqualified tables.
func (b *Builder) DefaultSchema(schema string) *Builder {
	b.dialect.DefaultSchema = schema
	return b
}

// PlaceholderStyle sets the placeholder style for the dialect.
func (b *Builder) PlaceholderStyle(style core.PlaceholderStyle) *Builder {
	b.dialect.Placeholder = style
	return b
}

// LowercaseURNs makes dataset urns use lowercased names.
func (b *Builder) LowercaseURNs() *Builder {
	b.dialect.LowercaseURNs = true
	return b
}

// CaseAmbiguous enables the lowercased urn retry on schema misses.
func (b *Builder) CaseAmbiguous() *Builder {
	b.dialect.CaseAmbiguous = true
	return b
}

// Rewrite appends pre-parse rewrites.
func (b *Builder) Rewrite(rs ...Rewrite) *Builder {
	b.dialect.rewrites = append(b.dialect.rewrites, rs...)
	return b
}

// Build returns the constructed dialect.
func (b *Builder) Build() *Dialect {
	return b.dialect
}
