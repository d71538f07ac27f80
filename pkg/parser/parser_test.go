package parser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestParse_Kind(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want core.QueryType
	}{
		{"select", "SELECT a FROM t", core.QueryTypeSelect},
		{"select into", "SELECT a INTO t2 FROM t", core.QueryTypeCreateTableAs},
		{"insert", "INSERT INTO t (a) SELECT a FROM s", core.QueryTypeInsert},
		{"update", "UPDATE t SET a = s.a FROM s WHERE t.id = s.id", core.QueryTypeUpdate},
		{"delete", "DELETE FROM t WHERE a = 1", core.QueryTypeDelete},
		{"merge", "MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN UPDATE SET a = s.a", core.QueryTypeMerge},
		{"ctas", "CREATE TABLE t2 AS SELECT * FROM t", core.QueryTypeCreateTableAs},
		{"view", "CREATE VIEW v AS SELECT * FROM t", core.QueryTypeCreateView},
		{"materialized view", "CREATE MATERIALIZED VIEW v AS SELECT * FROM t", core.QueryTypeCreateView},
		{"create table", "CREATE TABLE t (a int)", core.QueryTypeCreateDDL},
		{"alter", "ALTER TABLE t RENAME TO t2", core.QueryTypeAlter},
		{"drop", "DROP TABLE t", core.QueryTypeDrop},
		{"copy", "COPY t FROM '/tmp/x.csv'", core.QueryTypeCopy},
		{"show", "SHOW search_path", core.QueryTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := parser.Parse(context.Background(), tt.sql, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stmt.Kind())
		})
	}
}

func TestParse_Error(t *testing.T) {
	_, err := parser.Parse(context.Background(), "SELECT * FROM WHERE x", nil)
	require.Error(t, err)

	var pe *parser.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "WHERE", pe.OffendingText)
	assert.Contains(t, pe.Error(), "parse error")
}

func TestParse_EmptyAndMultiple(t *testing.T) {
	var pe *parser.ParseError

	_, err := parser.Parse(context.Background(), "   ", nil)
	assert.True(t, errors.As(err, &pe))

	_, err = parser.Parse(context.Background(), "SELECT 1; SELECT 2", nil)
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Reason, "found 2")
}

func TestParse_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := parser.Parse(ctx, "SELECT 1", nil)
	assert.ErrorIs(t, err, parser.ErrStatementAborted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_DialectPreprocessing(t *testing.T) {
	sf, ok := dialect.Get("snowflake")
	require.True(t, ok)

	stmt, err := parser.Parse(context.Background(), "CREATE OR REPLACE TRANSIENT TABLE t AS SELECT 1 AS x", sf)
	require.NoError(t, err)
	assert.Equal(t, core.QueryTypeCreateTableAs, stmt.Kind())
	assert.Equal(t, "snowflake", stmt.Dialect().Name)

	bq, _ := dialect.Get("bigquery")
	stmt, err = parser.Parse(context.Background(), "SELECT * FROM `proj.ds.t`", bq)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "proj"."ds"."t"`, stmt.Text())
}

func TestParseScript(t *testing.T) {
	stmts, err := parser.ParseScript(context.Background(), "BEGIN; INSERT INTO a SELECT * FROM b; COMMIT;", nil)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, core.QueryTypeInsert, stmts[0].Kind())
	assert.Equal(t, "INSERT INTO a SELECT * FROM b", stmts[0].Text())
}

func TestParseScript_PartialFailure(t *testing.T) {
	stmts, err := parser.ParseScript(context.Background(),
		"INSERT INTO a SELECT 1; SELEC broken; INSERT INTO b SELECT 2", nil)
	require.Error(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "INSERT INTO b SELECT 2", stmts[1].Text())
}

func TestDeparse(t *testing.T) {
	stmt, err := parser.Parse(context.Background(), "select  a ,b from   t where x=1", nil)
	require.NoError(t, err)

	out, err := stmt.Deparse()
	require.NoError(t, err)
	assert.Equal(t, "SELECT a, b FROM t WHERE x = 1", out)
}

func TestDeparseExpr(t *testing.T) {
	stmt, err := parser.Parse(context.Background(), "SELECT count(id) + 1 FROM t", nil)
	require.NoError(t, err)

	sel := stmt.Node().GetSelectStmt()
	require.NotNil(t, sel)
	target := sel.TargetList[0].GetResTarget()

	out, err := parser.DeparseExpr(target.Val)
	require.NoError(t, err)
	assert.Equal(t, "count(id) + 1", out)
}

func TestWalk_CollectsRangeVars(t *testing.T) {
	stmt, err := parser.Parse(context.Background(),
		"WITH c AS (SELECT * FROM a) SELECT * FROM c JOIN b ON c.id = b.id WHERE EXISTS (SELECT 1 FROM d)", nil)
	require.NoError(t, err)

	var names []string
	err = parser.Walk(parser.NewGuard(context.Background()), stmt.Node(), func(msg proto.Message) bool {
		if rv, ok := msg.(*pg_query.RangeVar); ok {
			names = append(names, rv.Relname)
		}
		return true
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "b", "d"}, names)
}

func TestGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := parser.NewGuard(ctx)

	for i := 0; i < parser.DefaultCheckEvery*2; i++ {
		require.NoError(t, g.Cooperate())
	}
	cancel()

	var err error
	for i := 0; i < parser.DefaultCheckEvery && err == nil; i++ {
		err = g.Cooperate()
	}
	assert.ErrorIs(t, err, parser.ErrStatementAborted)

	deep := parser.NewGuard(context.Background())
	for i := 0; i < parser.DefaultMaxDepth; i++ {
		require.NoError(t, deep.Enter())
	}
	assert.ErrorIs(t, deep.Enter(), parser.ErrStatementAborted)
}
