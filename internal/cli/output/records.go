package output

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
)

// RecordWriter streams emitted records.
type RecordWriter interface {
	Write(rec aggregator.Record) error
	// Close finishes the stream. It does not close the underlying writer.
	Close() error
	// Count returns the number of records written.
	Count() int
}

// NewRecordWriter returns the record writer for the renderer's mode:
// one JSON object per line, a YAML document per record, or a table of
// record keys in text mode.
func (r *Renderer) NewRecordWriter() RecordWriter {
	switch r.EffectiveMode() {
	case ModeYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		return &yamlRecords{enc: enc}
	case ModeText:
		return &textRecords{r: r}
	default:
		return &jsonRecords{enc: json.NewEncoder(r.out)}
	}
}

type jsonRecords struct {
	enc *json.Encoder
	n   int
}

func (w *jsonRecords) Write(rec aggregator.Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.n++
	return nil
}

func (w *jsonRecords) Close() error { return nil }
func (w *jsonRecords) Count() int   { return w.n }

type yamlRecords struct {
	enc *yaml.Encoder
	n   int
}

func (w *yamlRecords) Write(rec aggregator.Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.n++
	return nil
}

func (w *yamlRecords) Close() error { return w.enc.Close() }
func (w *yamlRecords) Count() int   { return w.n }

// textRecords buffers record keys and renders them as one table.
type textRecords struct {
	r    *Renderer
	rows [][]any
}

func (w *textRecords) Write(rec aggregator.Record) error {
	w.rows = append(w.rows, []any{rec.EntityType, rec.Aspect, rec.EntityURN})
	return nil
}

func (w *textRecords) Close() error {
	w.r.Header(fmt.Sprintf("Records (%d)", len(w.rows)))
	w.r.Table(w.r.out, []string{"ENTITY", "ASPECT", "URN"}, w.rows)
	return nil
}

func (w *textRecords) Count() int { return len(w.rows) }

// NamedReport is the report of one aggregator partition.
type NamedReport struct {
	Name   string
	Report aggregator.Report
}

// Summary renders the run reports as a table of counters with one
// column per partition. Counters that are zero everywhere are left out.
func (r *Renderer) Summary(w io.Writer, reports []NamedReport) {
	if len(reports) == 0 {
		return
	}
	headers := []string{"COUNTER"}
	for _, nr := range reports {
		headers = append(headers, nr.Name)
	}

	type counter struct {
		name string
		get  func(aggregator.Report) int
	}
	counters := []counter{
		{"observed queries", func(r aggregator.Report) int { return r.NumObservedQueries }},
		{"preparsed queries", func(r aggregator.Report) int { return r.NumPreparsedQueries }},
		{"known mappings", func(r aggregator.Report) int { return r.NumKnownMappings }},
		{"view definitions", func(r aggregator.Report) int { return r.NumViewDefinitions }},
		{"table renames", func(r aggregator.Report) int { return r.NumTableRenames }},
		{"scripts split", func(r aggregator.Report) int { return r.NumScriptsSplit }},
		{"deduplicated observations", func(r aggregator.Report) int { return r.NumDedupedObservation }},
		{"parsed queries", func(r aggregator.Report) int { return r.NumParsedQueries }},
		{"table lineage only", func(r aggregator.Report) int { return r.NumTableLineageOnly }},
		{"unique queries", func(r aggregator.Report) int { return r.NumUniqueQueries }},
		{"denied tables", func(r aggregator.Report) int { return r.NumDeniedTables }},
		{"temp tables resolved", func(r aggregator.Report) int { return r.NumTempTablesResolved }},
		{"unresolved temp tables", func(r aggregator.Report) int { return r.NumUnresolvedTemp }},
		{"temp table cycles", func(r aggregator.Report) int { return r.NumTempTableCycles }},
		{"outside window", func(r aggregator.Report) int { return r.NumOutsideWindow }},
		{"multiple downstreams", func(r aggregator.Report) int { return r.NumMultipleDownstreams }},
		{"lineage edges", func(r aggregator.Report) int { return r.NumLineageEdges }},
		{"lineage records", func(r aggregator.Report) int { return r.NumLineageRecords }},
		{"query records", func(r aggregator.Report) int { return r.NumQueryRecords }},
		{"usage records", func(r aggregator.Report) int { return r.NumUsageRecords }},
		{"query usage records", func(r aggregator.Report) int { return r.NumQueryUsageRecords }},
		{"operation records", func(r aggregator.Report) int { return r.NumOperationRecords }},
		{"schema cache hits", func(r aggregator.Report) int { return r.SchemaResolver.CacheHits }},
		{"schema catalog lookups", func(r aggregator.Report) int { return r.SchemaResolver.CatalogLookups }},
	}
	for _, kind := range mapKeys(reports, func(r aggregator.Report) map[string]int { return r.Failures }) {
		counters = append(counters, counter{"failure: " + kind, func(r aggregator.Report) int { return r.Failures[kind] }})
	}
	for _, tool := range mapKeys(reports, func(r aggregator.Report) map[string]int { return r.ToolMeta }) {
		counters = append(counters, counter{"tool: " + tool, func(r aggregator.Report) int { return r.ToolMeta[tool] }})
	}

	var rows [][]any
	for _, c := range counters {
		row := []any{c.name}
		nonZero := false
		for _, nr := range reports {
			v := c.get(nr.Report)
			nonZero = nonZero || v != 0
			row = append(row, v)
		}
		if nonZero {
			rows = append(rows, row)
		}
	}
	_, _ = fmt.Fprintln(w, "Summary")
	r.Table(w, headers, rows)

	for _, nr := range reports {
		for _, warn := range nr.Report.Warnings {
			msg := fmt.Sprintf("warning [%s] %s", warn.Kind, warn.Message)
			if warn.Query != "" {
				msg += ": " + Truncate(warn.Query, 80)
			}
			_, _ = fmt.Fprintln(w, msg)
		}
	}
}

func mapKeys(reports []NamedReport, get func(aggregator.Report) map[string]int) []string {
	seen := make(map[string]struct{})
	for _, nr := range reports {
		for k := range get(nr.Report) {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
