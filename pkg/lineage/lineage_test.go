package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leapstack-labs/leaplineage/internal/testutil"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T) *schema.Resolver {
	t.Helper()
	r, err := schema.New(schema.Options{Platform: "postgres", Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func urnOf(r *schema.Resolver, name string) string {
	return r.URNForTable(core.ParseTableName(name), false)
}

func analyze(t *testing.T, r *schema.Resolver, sql string) *SQLParsingResult {
	t.Helper()
	return Analyze(context.Background(), sql, Options{Resolver: r, Logger: testutil.NewTestLogger(t)})
}

func TestAnalyze_InsertWithKnownSchema(t *testing.T) {
	r := newResolver(t)
	orders := "urn:li:dataset:(urn:li:dataPlatform:postgres,sales.orders,PROD)"
	require.Equal(t, orders, urnOf(r, "sales.orders"))
	require.NoError(t, r.AddRawSchemaInfo(orders, core.SchemaInfo{
		"order_id":    "int",
		"customer_id": "int",
		"amount":      "float",
	}))

	res := analyze(t, r, `
		INSERT INTO sales.totals (customer_id, total)
		SELECT customer_id, SUM(amount) FROM sales.orders GROUP BY customer_id`)
	require.True(t, res.OK())
	require.NoError(t, res.Debug.ColumnError)

	totals := urnOf(r, "sales.totals")
	assert.Equal(t, core.QueryTypeInsert, res.QueryType)
	assert.Equal(t, []string{orders}, res.InTables)
	assert.Equal(t, []string{totals}, res.OutTables)
	assert.Equal(t, []ColumnMapping{
		{
			Downstream: DatasetColumn{Dataset: totals, Column: "customer_id"},
			Upstreams:  []DatasetColumn{{Dataset: orders, Column: "customer_id"}},
		},
		{
			Downstream: DatasetColumn{Dataset: totals, Column: "total"},
			Upstreams:  []DatasetColumn{{Dataset: orders, Column: "amount"}},
			Logic:      "sum(amount)",
		},
	}, res.ColumnLineage)
	assert.Equal(t, 1, res.Debug.TablesDiscovered)
	assert.Equal(t, 1, res.Debug.TableSchemasResolved)
	assert.InDelta(t, ConfidenceFull, res.Debug.Confidence, 1e-9)
}

func TestAnalyze_DegradesToTableLineage(t *testing.T) {
	r := newResolver(t)

	res := analyze(t, r, "INSERT INTO out_t SELECT * FROM unknown_src")
	require.True(t, res.OK())

	assert.Equal(t, []string{urnOf(r, "unknown_src")}, res.InTables)
	assert.Equal(t, []string{urnOf(r, "out_t")}, res.OutTables)
	assert.Nil(t, res.ColumnLineage)

	var optErr *SQLOptimizerError
	require.ErrorAs(t, res.Debug.ColumnError, &optErr)
	assert.InDelta(t, ConfidenceTableOnly, res.Debug.Confidence, 1e-9)
	assert.Equal(t, 1, res.Debug.TablesDiscovered)
	assert.Equal(t, 0, res.Debug.TableSchemasResolved)
}

func TestAnalyze_PartialSchemaConfidence(t *testing.T) {
	r := newResolver(t)
	require.NoError(t, r.AddRawSchemaInfo(urnOf(r, "a"), core.SchemaInfo{"id": "int", "x": "int"}))

	res := analyze(t, r, "SELECT a.x, b.y FROM a JOIN b ON a.id = b.id")
	require.True(t, res.OK())
	require.NoError(t, res.Debug.ColumnError)

	assert.Equal(t, core.QueryTypeSelect, res.QueryType)
	assert.Empty(t, res.OutTables)
	assert.Equal(t, 2, res.Debug.TablesDiscovered)
	assert.Equal(t, 1, res.Debug.TableSchemasResolved)
	assert.InDelta(t, 0.6, res.Debug.Confidence, 1e-9)
	for _, m := range res.ColumnLineage {
		assert.Empty(t, m.Downstream.Dataset, "queries write no dataset")
	}
}

func TestAnalyze_ParseFailure(t *testing.T) {
	r := newResolver(t)

	res := analyze(t, r, "SELEC broken FROM")
	assert.False(t, res.OK())
	assert.Equal(t, core.QueryTypeUnknown, res.QueryType)
	assert.Zero(t, res.Debug.Confidence)

	var pe *parser.ParseError
	require.ErrorAs(t, res.Debug.TableError, &pe)
}

func TestAnalyze_EmptyScript(t *testing.T) {
	r := newResolver(t)

	res := analyze(t, r, "BEGIN; COMMIT;")
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Debug.TableError, ErrNoStatement)
}

func TestAnalyze_TempTableScript(t *testing.T) {
	r := newResolver(t)

	res := analyze(t, r, `
		CREATE TEMP TABLE tmp AS SELECT id, amount FROM src;
		INSERT INTO dst SELECT id FROM tmp;`)
	require.True(t, res.OK())

	assert.Equal(t, core.QueryTypeCreateTableAs, res.QueryType)
	assert.ElementsMatch(t, []string{urnOf(r, "src"), urnOf(r, "tmp")}, res.InTables)
	assert.ElementsMatch(t, []string{urnOf(r, "dst"), urnOf(r, "tmp")}, res.OutTables)
	assert.Equal(t, []string{urnOf(r, "tmp")}, res.TempTables)
	assert.Equal(t, 2, res.Debug.TablesDiscovered)
	assert.InDelta(t, ConfidenceTableOnly, res.Debug.Confidence, 1e-9)

	up := Upstream(res.ColumnLineage, urnOf(r, "tmp"))
	assert.Equal(t, map[string][]string{"id": {"id"}}, up)
}

func TestAnalyze_PartialScript(t *testing.T) {
	r := newResolver(t)

	res := analyze(t, r, "SELECT a FROM t1; SELEC broken; INSERT INTO t2 SELECT b FROM t3;")
	require.True(t, res.OK())

	assert.Equal(t, core.QueryTypeInsert, res.QueryType)
	assert.ElementsMatch(t, []string{urnOf(r, "t1"), urnOf(r, "t3")}, res.InTables)
	assert.Equal(t, []string{urnOf(r, "t2")}, res.OutTables)

	var pe *parser.ParseError
	require.ErrorAs(t, res.Debug.ColumnError, &pe)
	assert.LessOrEqual(t, res.Debug.Confidence, ConfidenceTableOnly)
}

func TestAnalyze_Canceled(t *testing.T) {
	r := newResolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Analyze(ctx, "SELECT 1", Options{Resolver: r})
	assert.False(t, res.OK())
	assert.True(t, errors.Is(res.Debug.TableError, context.Canceled))
	assert.ErrorIs(t, res.Debug.TableError, parser.ErrStatementAborted)
}

func TestAnalyze_RequiresResolver(t *testing.T) {
	res := Analyze(context.Background(), "SELECT 1", Options{})
	assert.False(t, res.OK())
}

func TestDebugInfo_MarshalJSON(t *testing.T) {
	d := DebugInfo{
		Confidence:       ConfidenceTableOnly,
		TablesDiscovered: 2,
		ColumnError:      &SQLOptimizerError{Column: "id", Reason: "ambiguous column reference"},
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 0.2, out["confidence"])
	assert.Equal(t, float64(2), out["tables_discovered"])
	assert.Equal(t, `failed to qualify column "id": ambiguous column reference`, out["column_error"])
	assert.NotContains(t, out, "table_error")
}

func TestUnionColumnMappings(t *testing.T) {
	a := []ColumnMapping{{
		Downstream: DatasetColumn{Dataset: "d", Column: "x"},
		Upstreams:  []DatasetColumn{{Dataset: "u", Column: "b"}},
	}}
	b := []ColumnMapping{
		{
			Downstream: DatasetColumn{Dataset: "d", Column: "x"},
			NativeType: "int",
			Upstreams:  []DatasetColumn{{Dataset: "u", Column: "a"}, {Dataset: "u", Column: "b"}},
		},
		{
			Downstream: DatasetColumn{Dataset: "d", Column: "y"},
			Upstreams:  []DatasetColumn{{Dataset: "v", Column: "c"}},
		},
	}

	got := UnionColumnMappings(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, []DatasetColumn{{Dataset: "u", Column: "a"}, {Dataset: "u", Column: "b"}}, got[0].Upstreams)
	assert.Equal(t, "int", got[0].NativeType)
	assert.Equal(t, "y", got[1].Downstream.Column)

	// inputs are untouched
	assert.Len(t, a[0].Upstreams, 1)
	assert.Empty(t, a[0].NativeType)
}
