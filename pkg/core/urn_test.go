package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatasetURN_RoundTrip(t *testing.T) {
	urn := DatasetURN("snowflake", "db.sales.orders", "prod")
	assert.Equal(t, "urn:li:dataset:(urn:li:dataPlatform:snowflake,db.sales.orders,PROD)", urn)

	platform, name, env, ok := ParseDatasetURN(urn)
	assert.True(t, ok)
	assert.Equal(t, "snowflake", platform)
	assert.Equal(t, "db.sales.orders", name)
	assert.Equal(t, "PROD", env)
	assert.Equal(t, "db.sales.orders", DatasetNameFromURN(urn))
}

func TestParseDatasetURN_Invalid(t *testing.T) {
	for _, in := range []string{"", "urn:li:query:abc", "urn:li:dataset:(nope)"} {
		_, _, _, ok := ParseDatasetURN(in)
		assert.False(t, ok, in)
	}
	assert.Equal(t, "urn:li:query:abc", DatasetNameFromURN("urn:li:query:abc"))
}

func TestSchemaFieldURN(t *testing.T) {
	ds := DatasetURN("postgres", "dw.public.t", "")
	field := SchemaFieldURN(ds, "a.b")
	assert.Equal(t, "urn:li:schemaField:(urn:li:dataset:(urn:li:dataPlatform:postgres,dw.public.t,PROD),a.b)", field)

	gotDS, gotField, ok := ParseSchemaFieldURN(field)
	assert.True(t, ok)
	assert.Equal(t, ds, gotDS)
	assert.Equal(t, "a.b", gotField)
}

func TestCorpUserURN(t *testing.T) {
	assert.Equal(t, "urn:li:corpuser:alice", CorpUserURN("alice"))
	assert.Equal(t, "urn:li:corpuser:alice", CorpUserURN("urn:li:corpuser:alice"))
}
