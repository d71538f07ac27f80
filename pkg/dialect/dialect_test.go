package dialect

import (
	"errors"
	"testing"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Aliases(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"postgres", "postgres"},
		{"PostgreSQL", "postgres"},
		{"bq", "bigquery"},
		{"tsql", "mssql"},
		{"hive", "databricks"},
		{"athena", "trino"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Get(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Name)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve("")
	assert.ErrorIs(t, err, ErrDialectRequired)

	_, err = Resolve("cobol")
	var unknown *UnknownDialectError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "cobol", unknown.Name)
	assert.Contains(t, unknown.Available, "snowflake")
}

func TestNormalizeName(t *testing.T) {
	sf, _ := Get("snowflake")
	pg, _ := Get("postgres")
	bq, _ := Get("bigquery")

	assert.Equal(t, "ORDERS", sf.NormalizeName("Orders"))
	assert.Equal(t, "orders", pg.NormalizeName("Orders"))
	assert.Equal(t, "Orders", bq.NormalizeName("Orders"))
}

func TestURNName(t *testing.T) {
	sf, _ := Get("snowflake")
	bq, _ := Get("bigquery")
	name := core.TableName{Database: "DW", Schema: "Sales", Table: "Orders"}

	assert.Equal(t, "dw.sales.orders", sf.URNName(name))
	assert.Equal(t, "DW.Sales.Orders", bq.URNName(name))
}

func TestPreprocess(t *testing.T) {
	tests := []struct {
		dialect string
		in      string
		want    string
	}{
		{
			dialect: "bigquery",
			in:      "SELECT `a b` FROM `proj.ds.t` WHERE x = 'it''s `quoted`'",
			want:    `SELECT "a b" FROM "proj"."ds"."t" WHERE x = 'it''s ` + "`quoted`'",
		},
		{
			dialect: "mysql",
			in:      "REPLACE INTO `t` SELECT * FROM `s`",
			want:    `INSERT INTO "t" SELECT * FROM "s"`,
		},
		{
			dialect: "mssql",
			in:      "SELECT TOP 10 [id] INTO #tmp FROM [dbo].[orders]",
			want:    `SELECT "id" INTO "#tmp" FROM "dbo"."orders"`,
		},
		{
			dialect: "snowflake",
			in:      "CREATE OR REPLACE TRANSIENT TABLE t AS SELECT 1",
			want:    "CREATE TABLE t AS SELECT 1",
		},
		{
			dialect: "databricks",
			in:      "INSERT OVERWRITE TABLE db.t PARTITION (ds='2024') SELECT * FROM s",
			want:    "INSERT INTO db.t SELECT * FROM s",
		},
		{
			dialect: "postgres",
			in:      "SELECT 1 -- `not touched`",
			want:    "SELECT 1 -- `not touched`",
		},
	}

	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			d, ok := Get(tt.dialect)
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Preprocess(tt.in))
		})
	}
}

func TestFormatPlaceholder(t *testing.T) {
	pg, _ := Get("postgres")
	duck, _ := Get("duckdb")
	assert.Equal(t, "$2", pg.FormatPlaceholder(2))
	assert.Equal(t, "?", duck.FormatPlaceholder(2))
}

func TestQuoteIdentifier(t *testing.T) {
	ms, _ := Get("mssql")
	assert.Equal(t, "[a]]b]", ms.QuoteIdentifier("a]b"))
}
