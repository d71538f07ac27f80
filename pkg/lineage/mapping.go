package lineage

import (
	"cmp"
	"slices"
)

// DatasetColumn is a column of a dataset identified by urn.
type DatasetColumn struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Column  string `json:"column" yaml:"column"`
}

// Compare orders by dataset, then column.
func (c DatasetColumn) Compare(o DatasetColumn) int {
	if r := cmp.Compare(c.Dataset, o.Dataset); r != 0 {
		return r
	}
	return cmp.Compare(c.Column, o.Column)
}

// ColumnMapping is column lineage with tables resolved to dataset urns.
// The downstream dataset is empty for queries that write no table.
type ColumnMapping struct {
	Downstream DatasetColumn   `json:"downstream" yaml:"downstream"`
	NativeType string          `json:"native_type,omitempty" yaml:"native_type,omitempty"`
	Upstreams  []DatasetColumn `json:"upstreams" yaml:"upstreams"`
	Logic      string          `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// UnionColumnMappings merges b into a without modifying either. Mappings
// with the same downstream column have their upstreams unioned, so a
// later observation never removes an edge.
func UnionColumnMappings(a, b []ColumnMapping) []ColumnMapping {
	out := make([]ColumnMapping, 0, len(a)+len(b))
	index := make(map[DatasetColumn]int, len(a)+len(b))
	for _, m := range slices.Concat(a, b) {
		i, ok := index[m.Downstream]
		if !ok {
			index[m.Downstream] = len(out)
			m.Upstreams = sortDatasetColumns(slices.Clone(m.Upstreams))
			out = append(out, m)
			continue
		}
		merged := out[i]
		merged.Upstreams = sortDatasetColumns(append(merged.Upstreams, m.Upstreams...))
		if merged.NativeType == "" {
			merged.NativeType = m.NativeType
		}
		if merged.Logic == "" {
			merged.Logic = m.Logic
		}
		out[i] = merged
	}
	return out
}

// Upstream returns, for one upstream dataset, the upstream columns each
// downstream column reads.
func Upstream(mappings []ColumnMapping, dataset string) map[string][]string {
	out := make(map[string][]string)
	for _, m := range mappings {
		for _, up := range m.Upstreams {
			if up.Dataset == dataset {
				out[m.Downstream.Column] = append(out[m.Downstream.Column], up.Column)
			}
		}
	}
	return out
}

func sortDatasetColumns(cols []DatasetColumn) []DatasetColumn {
	slices.SortFunc(cols, DatasetColumn.Compare)
	return slices.Compact(cols)
}
