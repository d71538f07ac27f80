package lineage

import (
	"context"
	"errors"
	"testing"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// columnLineage runs ColumnLineage and flattens the result into
// downstream column -> "table.column" upstreams.
func columnLineage(t *testing.T, platform, sql string, schemas map[string]core.SchemaInfo, output string) (map[string][]string, []core.ColumnLineageInfo, error) {
	t.Helper()
	stmt := mustParse(t, sql, platform)

	opts := ColumnOptions{Schemas: make(map[core.TableName]core.SchemaInfo, len(schemas))}
	for name, info := range schemas {
		opts.Schemas[core.ParseTableName(name)] = info
	}
	if output != "" {
		out := core.ParseTableName(output)
		opts.OutputTable = &out
	}

	infos, err := ColumnLineage(context.Background(), stmt, opts)
	if err != nil {
		return nil, nil, err
	}
	flat := make(map[string][]string, len(infos))
	for _, info := range infos {
		ups := []string{}
		for _, up := range info.Upstreams {
			ups = append(ups, up.String())
		}
		flat[info.Downstream.Column] = ups
	}
	return flat, infos, nil
}

func TestColumnLineage(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		schemas  map[string]core.SchemaInfo
		output   string
		expected map[string][]string
	}{
		{
			name: "qualified columns without schema",
			sql:  "SELECT o.id, c.name AS customer FROM orders o JOIN customers c ON o.cid = c.id",
			expected: map[string][]string{
				"id":       {"orders.id"},
				"customer": {"customers.name"},
			},
		},
		{
			name: "unqualified columns resolved by schema",
			sql:  "SELECT amount, name FROM orders JOIN customers ON orders.cid = customers.id",
			schemas: map[string]core.SchemaInfo{
				"orders":    {"id": "int", "cid": "int", "amount": "float"},
				"customers": {"id": "int", "name": "str"},
			},
			expected: map[string][]string{
				"amount": {"orders.amount"},
				"name":   {"customers.name"},
			},
		},
		{
			name: "star with schema",
			sql:  "SELECT * FROM sales.orders",
			schemas: map[string]core.SchemaInfo{
				"sales.orders": {"id": "int", "amount": "float"},
			},
			expected: map[string][]string{
				"amount": {"sales.orders.amount"},
				"id":     {"sales.orders.id"},
			},
		},
		{
			name: "cte expression",
			sql:  "WITH o AS (SELECT id, amount * 2 AS doubled FROM orders) SELECT doubled FROM o",
			expected: map[string][]string{
				"doubled": {"orders.amount"},
			},
		},
		{
			name: "derived table with column aliases",
			sql:  "SELECT x FROM (SELECT amount FROM orders) AS d(x)",
			expected: map[string][]string{
				"x": {"orders.amount"},
			},
		},
		{
			name: "union all",
			sql:  "SELECT id FROM a UNION ALL SELECT uid FROM b",
			expected: map[string][]string{
				"id": {"a.id", "b.uid"},
			},
		},
		{
			name: "recursive cte resolves to its anchor",
			sql: `WITH RECURSIVE r(n) AS (
					SELECT id FROM seed
					UNION ALL
					SELECT n + 1 FROM r WHERE n < 10
				) SELECT n FROM r`,
			expected: map[string][]string{
				"n": {"seed.id"},
			},
		},
		{
			name: "qualified nested field",
			sql:  "SELECT e.payload.device.os FROM events e",
			expected: map[string][]string{
				"os": {"events.payload.device.os"},
			},
		},
		{
			name: "unqualified nested field",
			sql:  "SELECT payload.device FROM events",
			expected: map[string][]string{
				"device": {"events.payload.device"},
			},
		},
		{
			name: "nested field known from schema",
			sql:  "SELECT payload.device.os AS os FROM events JOIN users ON true",
			schemas: map[string]core.SchemaInfo{
				"events": {"id": "int", "payload.device.os": "str"},
				"users":  {"id": "int", "name": "str"},
			},
			expected: map[string][]string{
				"os": {"events.payload.device.os"},
			},
		},
		{
			name: "correlated subquery",
			sql:  "SELECT (SELECT max(p.paid) + o.fee FROM payments p) AS total FROM orders o",
			expected: map[string][]string{
				"total": {"orders.fee", "payments.paid"},
			},
		},
		{
			name: "aggregates",
			sql:  "SELECT count(*) AS n, count(id) FROM orders",
			expected: map[string][]string{
				"n":         {},
				"count(id)": {"orders.id"},
			},
		},
		{
			name: "using join",
			sql:  "SELECT id, a.x, b.y FROM a JOIN b USING (id)",
			schemas: map[string]core.SchemaInfo{
				"a": {"id": "int", "x": "int"},
				"b": {"id": "int", "y": "int"},
			},
			expected: map[string][]string{
				"id": {"a.id", "b.id"},
				"x":  {"a.x"},
				"y":  {"b.y"},
			},
		},
		{
			name: "earlier output alias",
			sql:  "SELECT amount * 2 AS doubled, doubled + 1 AS plus FROM orders",
			schemas: map[string]core.SchemaInfo{
				"orders": {"amount": "float"},
			},
			expected: map[string][]string{
				"doubled": {"orders.amount"},
				"plus":    {"orders.amount"},
			},
		},
		{
			name:   "insert renames columns",
			sql:    "INSERT INTO summary (total, cnt) SELECT sum(amount), count(id) FROM orders",
			output: "summary",
			expected: map[string][]string{
				"total": {"orders.amount"},
				"cnt":   {"orders.id"},
			},
		},
		{
			name:   "insert values",
			sql:    "INSERT INTO t (a, b) VALUES (1, 2)",
			output: "t",
			expected: map[string][]string{
				"a": {},
				"b": {},
			},
		},
		{
			name:   "create table as",
			sql:    "CREATE TABLE big AS SELECT id AS order_id FROM orders WHERE amount > 100",
			output: "big",
			expected: map[string][]string{
				"order_id": {"orders.id"},
			},
		},
		{
			name:   "view with column list",
			sql:    "CREATE VIEW v (k) AS SELECT id FROM base",
			output: "v",
			expected: map[string][]string{
				"k": {"base.id"},
			},
		},
		{
			name:   "update from",
			sql:    "UPDATE accounts SET balance = t.amount FROM transfers t WHERE accounts.id = t.account_id",
			output: "accounts",
			expected: map[string][]string{
				"balance": {"transfers.amount"},
			},
		},
		{
			name: "merge unions every branch",
			sql: `MERGE INTO tgt t USING src s ON t.id = s.id
				WHEN MATCHED THEN UPDATE SET v = s.v
				WHEN NOT MATCHED THEN INSERT (id, v) VALUES (s.id, s.w)`,
			output: "tgt",
			expected: map[string][]string{
				"v":  {"src.v", "src.w"},
				"id": {"src.id"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := columnLineage(t, "postgres", tt.sql, tt.schemas, tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestColumnLineage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		schemas map[string]core.SchemaInfo
	}{
		{
			name: "ambiguous column without schemas",
			sql:  "SELECT id FROM orders JOIN customers ON true",
		},
		{
			name: "ambiguous column with schemas",
			sql:  "SELECT id FROM orders JOIN customers ON true",
			schemas: map[string]core.SchemaInfo{
				"orders":    {"id": "int"},
				"customers": {"id": "int"},
			},
		},
		{
			name: "star without schema",
			sql:  "SELECT * FROM orders",
		},
		{
			name: "unknown column",
			sql:  "SELECT missing FROM orders",
			schemas: map[string]core.SchemaInfo{
				"orders": {"id": "int"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := columnLineage(t, "postgres", tt.sql, tt.schemas, "")
			var optErr *SQLOptimizerError
			require.ErrorAs(t, err, &optErr)
		})
	}
}

func TestColumnLineage_UnsupportedStatement(t *testing.T) {
	_, _, err := columnLineage(t, "postgres", "DELETE FROM orders WHERE id = 1", nil, "orders")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedStatement))

	var unsupported *UnsupportedStatementError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, core.QueryTypeDelete, unsupported.Kind)
}

func TestColumnLineage_CircularCTEs(t *testing.T) {
	sql := `WITH RECURSIVE a AS (SELECT x FROM b), b AS (SELECT x FROM a) SELECT x FROM a`

	_, _, err := columnLineage(t, "postgres", sql, nil, "")
	var circular *CircularScopeError
	require.ErrorAs(t, err, &circular)
	assert.Equal(t, []string{"a", "b", "a"}, circular.Path)
}

func TestColumnLineage_NativeTypeAndLogic(t *testing.T) {
	_, infos, err := columnLineage(t, "postgres",
		"INSERT INTO summary (total, id) SELECT sum(amount), id FROM orders",
		map[string]core.SchemaInfo{"summary": {"total": "float", "id": "int"}},
		"summary")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "total", infos[0].Downstream.Column)
	assert.Equal(t, "float", infos[0].Downstream.NativeType)
	assert.Equal(t, "sum(amount)", infos[0].Logic)
	require.NotNil(t, infos[0].Downstream.Table)
	assert.Equal(t, "summary", infos[0].Downstream.Table.String())

	assert.Equal(t, "id", infos[1].Downstream.Column)
	assert.Equal(t, "int", infos[1].Downstream.NativeType)
	assert.Empty(t, infos[1].Logic)
}

func TestColumnLineage_SkipsPartitionPseudoColumns(t *testing.T) {
	got, _, err := columnLineage(t, "bigquery", "SELECT _PARTITIONTIME, id FROM ds.events", nil, "")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"id": {"ds.events.id"}}, got)
}

// countingTraversal records how many columns were entered.
type countingTraversal struct {
	ScopeTraversal
	entered int
}

func (c *countingTraversal) Enter(scope *Scope, column string) error {
	c.entered++
	return c.ScopeTraversal.Enter(scope, column)
}

func TestColumnLineage_CustomTraversal(t *testing.T) {
	stmt := mustParse(t, "WITH o AS (SELECT id FROM orders) SELECT id FROM o", "postgres")
	trav := &countingTraversal{ScopeTraversal: NewDFSTraversal()}

	infos, err := ColumnLineage(context.Background(), stmt, ColumnOptions{Traversal: trav})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	// the select output and the cte output
	assert.Equal(t, 2, trav.entered)
}
