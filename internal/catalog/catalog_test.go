package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leaplineage/internal/testutil"
	"github.com/leapstack-labs/leaplineage/pkg/adapter"
	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newResolver(t *testing.T, cat schema.Catalog) *schema.Resolver {
	t.Helper()
	r, err := schema.New(schema.Options{Platform: "postgres", Catalog: cat, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// fakeAdapter serves table metadata from memory.
type fakeAdapter struct {
	tables  map[string][]string
	columns map[string][]core.Column
	listErr error
}

func (f *fakeAdapter) Connect(context.Context, core.AdapterConfig) error { return nil }
func (f *fakeAdapter) Close() error                                      { return nil }
func (f *fakeAdapter) Query(context.Context, string) (*core.Rows, error) {
	return nil, errors.New("not supported")
}
func (f *fakeAdapter) DialectConfig() *core.DialectConfig { return &core.DialectConfig{Name: "postgres"} }

func (f *fakeAdapter) ListTables(_ context.Context, schema string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tables[schema], nil
}

func (f *fakeAdapter) GetTableMetadata(_ context.Context, table string) (*core.TableMetadata, error) {
	cols, ok := f.columns[table]
	if !ok {
		return nil, &adapter.TableNotFoundError{Table: table}
	}
	sch, name := adapter.ParseQualifiedName(table, "public")
	return &core.TableMetadata{Schema: sch, Name: name, Columns: cols}, nil
}

func TestStore_OpenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	version, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")

	// reopening an up-to-date catalog is a no-op
	s, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.GetSchema(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestStore_PutAndGetSchema(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	urn := core.DatasetURN("postgres", "shop.public.orders", core.DefaultEnv)

	meta, err := s.GetSchema(ctx, urn)
	require.NoError(t, err)
	assert.Nil(t, meta, "unknown dataset")

	require.NoError(t, s.PutTable(ctx, "", urn, &core.TableMetadata{Columns: []core.Column{
		{Name: "id", Type: "integer", Position: 1},
		{Name: "amount", Type: "numeric", Nullable: true, Position: 2},
	}}))

	meta, err = s.GetSchema(ctx, urn)
	require.NoError(t, err)
	assert.Equal(t, []schema.SchemaField{
		{FieldPath: "id", NativeDataType: "integer"},
		{FieldPath: "amount", NativeDataType: "numeric"},
	}, meta.Fields)

	// a second put replaces the columns
	require.NoError(t, s.PutTable(ctx, "", urn, &core.TableMetadata{Columns: []core.Column{
		{Name: "order_id", Type: "bigint"},
	}}))
	meta, err = s.GetSchema(ctx, urn)
	require.NoError(t, err)
	assert.Equal(t, []schema.SchemaField{{FieldPath: "order_id", NativeDataType: "bigint"}}, meta.Fields)

	// a table without columns is known and empty
	empty := core.DatasetURN("postgres", "shop.public.empty", core.DefaultEnv)
	require.NoError(t, s.PutTable(ctx, "", empty, &core.TableMetadata{}))
	meta, err = s.GetSchema(ctx, empty)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Empty(t, meta.Fields)

	assert.Error(t, s.PutTable(ctx, "", "not-a-urn", &core.TableMetadata{}))
}

func TestStore_ListAndDeleteDatasets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pgOrders := core.DatasetURN("postgres", "public.orders", core.DefaultEnv)
	pgUsers := core.DatasetURN("postgres", "public.users", core.DefaultEnv)
	duck := core.DatasetURN("duckdb", "main.events", core.DefaultEnv)
	for _, urn := range []string{pgUsers, duck, pgOrders} {
		require.NoError(t, s.PutTable(ctx, "", urn, &core.TableMetadata{Columns: []core.Column{{Name: "id", Type: "int"}, {Name: "ts", Type: "timestamp"}}}))
	}

	all, err := s.ListDatasets(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, duck, all[0].URN)
	assert.Equal(t, 2, all[0].Fields)
	assert.Equal(t, "main.events", all[0].Name)

	pg, err := s.ListDatasets(ctx, "postgres")
	require.NoError(t, err)
	require.Len(t, pg, 2)
	assert.Equal(t, pgOrders, pg[0].URN)
	assert.Equal(t, pgUsers, pg[1].URN)

	require.NoError(t, s.DeleteDataset(ctx, pgOrders))
	require.NoError(t, s.DeleteDataset(ctx, pgOrders))
	meta, err := s.GetSchema(ctx, pgOrders)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestStore_Sync(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	resolver := newResolver(t, nil)

	adp := &fakeAdapter{
		tables: map[string][]string{
			"public": {"orders", "broken"},
			"sales":  {"targets"},
		},
		columns: map[string][]core.Column{
			"public.orders":  {{Name: "id", Type: "integer", Position: 1}, {Name: "amount", Type: "numeric", Position: 2}},
			"sales.targets": {{Name: "region", Type: "text", Position: 1}},
		},
	}

	run, err := s.Sync(ctx, adp, resolver, SyncOptions{
		SourceType: "postgres",
		Database:   "shop",
		Schemas:    []string{"public", "sales"},
		Parallel:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.TablesSynced)
	assert.Equal(t, 1, run.TablesFailed)
	assert.NotNil(t, run.CompletedAt)

	urn := resolver.URNForTable(core.TableName{Database: "shop", Schema: "public", Table: "orders"}, false)
	meta, err := s.GetSchema(ctx, urn)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Len(t, meta.Fields, 2)

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
	assert.Equal(t, "postgres", last.Platform)
	assert.Equal(t, RunStatusCompleted, last.Status)
	assert.Equal(t, 2, last.TablesSynced)
	assert.Equal(t, 1, last.TablesFailed)
}

func TestStore_SyncListFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	adp := &fakeAdapter{listErr: fmt.Errorf("permission denied")}
	run, err := s.Sync(ctx, adp, newResolver(t, nil), SyncOptions{SourceType: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, RunStatusFailed, run.Status)

	last, err = s.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, last.Status)
	assert.Contains(t, last.Error, "permission denied")
}

func TestStore_BacksResolver(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	adp := &fakeAdapter{
		tables:  map[string][]string{"public": {"orders"}},
		columns: map[string][]core.Column{"public.orders": {{Name: "id", Type: "integer"}, {Name: "amount", Type: "numeric"}}},
	}
	_, err := s.Sync(ctx, adp, newResolver(t, nil), SyncOptions{Schemas: []string{"public"}})
	require.NoError(t, err)

	resolver := newResolver(t, s)
	urn, info, ok := resolver.ResolveTable(ctx, core.TableName{Schema: "public", Table: "orders"})
	require.True(t, ok)
	assert.Equal(t, core.DatasetURN("postgres", "public.orders", core.DefaultEnv), urn)
	assert.Equal(t, core.SchemaInfo{"id": "integer", "amount": "numeric"}, info)

	_, _, ok = resolver.ResolveTable(ctx, core.TableName{Schema: "public", Table: "missing"})
	assert.False(t, ok)
	assert.Equal(t, 2, resolver.Stats().CatalogLookups)
}
