package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/pkg/aggregator"
)

func newTestRenderer(mode Mode) (*Renderer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewRenderer(&out, &errOut, mode), &out, &errOut
}

func TestRenderer_EffectiveMode(t *testing.T) {
	tests := []struct {
		mode Mode
		want Mode
	}{
		{"", ModeJSON},
		{ModeAuto, ModeJSON},
		{ModeText, ModeText},
		{ModeYAML, ModeYAML},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			r, _, _ := newTestRenderer(tt.mode)
			assert.False(t, r.IsTTY())
			assert.Equal(t, tt.want, r.EffectiveMode())
		})
	}
}

func sampleRecords() []aggregator.Record {
	return []aggregator.Record{
		{
			EntityURN:  "urn:li:dataset:(urn:li:dataPlatform:postgres,db.sales.totals,PROD)",
			EntityType: aggregator.EntityDataset,
			Aspect:     aggregator.AspectUpstreamLineage,
			Value: aggregator.UpstreamLineage{Upstreams: []aggregator.Upstream{{
				Dataset: "urn:li:dataset:(urn:li:dataPlatform:postgres,db.sales.orders,PROD)",
				Type:    aggregator.LineageTransformed,
			}}},
		},
		{
			EntityURN:  "urn:li:query:abc",
			EntityType: aggregator.EntityQuery,
			Aspect:     aggregator.AspectQueryProperties,
			Value:      map[string]string{"statement": "select 1"},
		},
	}
}

func writeAll(t *testing.T, w RecordWriter, recs []aggregator.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, len(recs), w.Count())
}

func TestRecordWriter_JSON(t *testing.T) {
	r, out, _ := newTestRenderer(ModeJSON)
	writeAll(t, r.NewRecordWriter(), sampleRecords())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"entityUrn":"urn:li:dataset:(urn:li:dataPlatform:postgres,db.sales.totals,PROD)"`)
	assert.Contains(t, lines[0], `"aspectName":"upstreamLineage"`)
	assert.Contains(t, lines[1], `"entityType":"query"`)
}

func TestRecordWriter_YAML(t *testing.T) {
	r, out, _ := newTestRenderer(ModeYAML)
	writeAll(t, r.NewRecordWriter(), sampleRecords())

	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "\n---\n"), "one document separator between two records")
	assert.Contains(t, s, "aspectName: upstreamLineage")
	assert.Contains(t, s, "type: TRANSFORMED")
}

func TestRecordWriter_Text(t *testing.T) {
	r, out, _ := newTestRenderer(ModeText)
	writeAll(t, r.NewRecordWriter(), sampleRecords())

	s := out.String()
	assert.Contains(t, s, "Records (2)")
	assert.Contains(t, s, "upstreamLineage")
	assert.Contains(t, s, "urn:li:query:abc")
}

func TestRenderer_Encode(t *testing.T) {
	v := struct {
		InTables []string `json:"in_tables"`
		Score    float64  `json:"score"`
	}{InTables: []string{"a", "b"}, Score: 0.5}

	r, out, _ := newTestRenderer(ModeJSON)
	require.NoError(t, r.Encode(v))
	assert.JSONEq(t, `{"in_tables": ["a", "b"], "score": 0.5}`, out.String())

	r, out, _ = newTestRenderer(ModeYAML)
	require.NoError(t, r.Encode(v))
	assert.Contains(t, out.String(), "in_tables:\n")
	assert.Contains(t, out.String(), "- b\n")
	assert.Contains(t, out.String(), "score: 0.5\n")
}

func TestRenderer_Status(t *testing.T) {
	r, out, errOut := newTestRenderer(ModeJSON)
	r.Status("loaded %d files", 2)
	assert.Empty(t, out.String())
	assert.Equal(t, "loaded 2 files\n", errOut.String())

	r, out, errOut = newTestRenderer(ModeText)
	r.Status("loaded %d files", 2)
	assert.Equal(t, "loaded 2 files\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestRenderer_Summary(t *testing.T) {
	r, _, _ := newTestRenderer(ModeText)
	var buf bytes.Buffer
	r.Summary(&buf, []NamedReport{
		{Name: "a.jsonl", Report: aggregator.Report{
			NumObservedQueries: 3,
			Failures:           map[string]int{aggregator.FailureParse: 1},
			Warnings:           []aggregator.Warning{{Kind: aggregator.FailureParse, Message: "syntax error", Query: "selec 1"}},
		}},
		{Name: "b.jsonl", Report: aggregator.Report{NumObservedQueries: 5, ToolMeta: map[string]int{"looker": 2}}},
	})

	s := buf.String()
	assert.Contains(t, s, "a.jsonl")
	assert.Contains(t, s, "b.jsonl")
	assert.Contains(t, s, "observed queries")
	assert.Contains(t, s, "failure: parse_error")
	assert.Contains(t, s, "tool: looker")
	assert.Contains(t, s, "warning [parse_error] syntax error: selec 1")
	assert.NotContains(t, s, "temp table cycles", "all-zero counters are hidden")
}

func TestRenderer_TableEmpty(t *testing.T) {
	r, _, _ := newTestRenderer(ModeText)
	var buf bytes.Buffer
	r.Table(&buf, []string{"A"}, nil)
	assert.Equal(t, "(none)\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "select 1", Truncate("select\n  1", 20))
	assert.Equal(t, "select a, ...", Truncate("select a, b, c from t", 13))
}
