// Package schema resolves table references to dataset urns and, when
// known, to their column schemas.
//
// A Resolver owns a schema cache for the duration of a run. Lookups go
// to the cache first, then to an optional Catalog. Misses are cached as
// well, so a table the catalog does not know is asked for only once.
// Resolution never fails: an unknown schema is a valid result that only
// reduces the precision of column-level lineage.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	"github.com/leapstack-labs/leaplineage/pkg/filebacked"
)

// cacheTable is the table the resolver keeps its schemas in.
const cacheTable = "schema_cache"

// Catalog is a read-only source of schema metadata.
// GetSchema returns nil, nil when the catalog has no schema for urn.
type Catalog interface {
	GetSchema(ctx context.Context, urn string) (*SchemaMetadata, error)
}

// CatalogFunc adapts a function to the Catalog interface.
type CatalogFunc func(ctx context.Context, urn string) (*SchemaMetadata, error)

// GetSchema calls f.
func (f CatalogFunc) GetSchema(ctx context.Context, urn string) (*SchemaMetadata, error) {
	return f(ctx, urn)
}

// Options configures a Resolver.
type Options struct {
	// Platform selects the dialect, e.g. "snowflake".
	Platform string
	// PlatformInstance is prefixed to every dataset name when set.
	PlatformInstance string
	// Env defaults to core.DefaultEnv.
	Env string
	// Catalog is consulted on cache misses. Nil means cache only.
	Catalog Catalog
	// LookupTimeout bounds a single catalog lookup. Zero means no limit.
	LookupTimeout time.Duration
	// CacheConn stores the cache. A connection opened on a file path makes
	// the cache resumable across runs; nil uses a private temp database.
	CacheConn *filebacked.Conn
	Logger    *slog.Logger
}

// Stats counts what the resolver did.
type Stats struct {
	CacheHits        int `json:"cache_hits" yaml:"cache_hits"`
	CatalogLookups   int `json:"catalog_lookups" yaml:"catalog_lookups"`
	CatalogFailures  int `json:"catalog_failures" yaml:"catalog_failures"`
	SchemaMisses     int `json:"schema_misses" yaml:"schema_misses"`
	LowercaseMatches int `json:"lowercase_matches" yaml:"lowercase_matches"`
}

// cachedSchema is a cache entry. A nil Schema records that the schema
// is known to be unknown.
type cachedSchema struct {
	Schema core.SchemaInfo `json:"schema"`
}

// Resolver maps table names to urns and schemas.
type Resolver struct {
	dialect  *dialect.Dialect
	platform string
	instance string
	env      string
	catalog  Catalog
	timeout  time.Duration
	cache    *filebacked.Dict[cachedSchema]
	logger   *slog.Logger
	stats    Stats
}

// New creates a resolver. It fails when the platform is unknown or the
// cache cannot be created.
func New(opts Options) (*Resolver, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Env == "" {
		opts.Env = core.DefaultEnv
	}
	d, err := dialect.Resolve(opts.Platform)
	if err != nil {
		return nil, err
	}
	cache, err := filebacked.NewDict(filebacked.DictOptions[cachedSchema]{
		Conn:  opts.CacheConn,
		Table: cacheTable,
		ExtraColumns: map[string]func(cachedSchema) any{
			"known": func(c cachedSchema) any {
				if c.Schema != nil {
					return 1
				}
				return 0
			},
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &Resolver{
		dialect:  d,
		platform: d.Name,
		instance: opts.PlatformInstance,
		env:      opts.Env,
		catalog:  opts.Catalog,
		timeout:  opts.LookupTimeout,
		cache:    cache,
		logger:   opts.Logger.With(slog.String("component", "schema_resolver")),
	}, nil
}

// Platform returns the canonical platform name.
func (r *Resolver) Platform() string {
	return r.platform
}

// Env returns the environment urns are built for.
func (r *Resolver) Env() string {
	return r.env
}

// Dialect returns the dialect of the platform.
func (r *Resolver) Dialect() *dialect.Dialect {
	return r.dialect
}

// Stats returns a copy of the resolver counters.
func (r *Resolver) Stats() Stats {
	return r.stats
}

// URNForTable builds the dataset urn of t. With lower set the dataset
// name is lowercased regardless of the platform rules.
func (r *Resolver) URNForTable(t core.TableName, lower bool) string {
	name := r.dialect.URNName(t)
	if lower {
		name = strings.ToLower(name)
	}
	if r.instance != "" {
		name = r.instance + "." + name
	}
	return core.DatasetURN(r.platform, name, r.env)
}

// ResolveTable returns the urn of t and its schema. The bool is false
// when no schema is known, in which case the lowercase urn is returned.
func (r *Resolver) ResolveTable(ctx context.Context, t core.TableName) (string, core.SchemaInfo, bool) {
	urn := r.URNForTable(t, false)
	if schema, ok := r.resolveSchemaInfo(ctx, urn); ok {
		return urn, schema, true
	}

	urnLower := r.URNForTable(t, true)
	if urnLower != urn {
		if schema, ok := r.resolveSchemaInfo(ctx, urnLower); ok {
			r.stats.LowercaseMatches++
			return urnLower, schema, true
		}
	}

	r.stats.SchemaMisses++
	return urnLower, nil, false
}

// ResolveURN looks up the schema of a dataset urn.
func (r *Resolver) ResolveURN(ctx context.Context, urn string) (core.SchemaInfo, bool) {
	return r.resolveSchemaInfo(ctx, urn)
}

func (r *Resolver) resolveSchemaInfo(ctx context.Context, urn string) (core.SchemaInfo, bool) {
	cached, ok, err := r.cache.Get(urn)
	if err != nil {
		r.logger.Warn("schema cache read failed", slog.String("urn", urn), slog.String("error", err.Error()))
	} else if ok {
		r.stats.CacheHits++
		return cached.Schema, cached.Schema != nil
	}

	if r.catalog == nil {
		r.store(urn, nil)
		return nil, false
	}

	schema, done := r.lookup(ctx, urn)
	if done {
		// only a finished lookup may be remembered as a miss
		r.store(urn, schema)
	}
	return schema, schema != nil
}

// lookup asks the catalog for urn. Failures and timeouts count as a miss
// for this call only; done is false for them.
func (r *Resolver) lookup(ctx context.Context, urn string) (_ core.SchemaInfo, done bool) {
	r.stats.CatalogLookups++
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	meta, err := r.catalog.GetSchema(ctx, urn)
	if err != nil {
		r.stats.CatalogFailures++
		level := slog.LevelWarn
		if errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelDebug
		}
		r.logger.Log(ctx, level, "catalog lookup failed", slog.String("urn", urn), slog.String("error", err.Error()))
		return nil, false
	}
	if meta == nil {
		return nil, true
	}
	return meta.ToSchemaInfo(), true
}

func (r *Resolver) store(urn string, schema core.SchemaInfo) {
	if err := r.cache.Set(urn, cachedSchema{Schema: schema}); err != nil {
		r.logger.Warn("schema cache write failed", slog.String("urn", urn), slog.String("error", err.Error()))
	}
}

// AddSchemaMetadata seeds the cache with a catalog schema aspect,
// replacing whatever was cached for urn.
func (r *Resolver) AddSchemaMetadata(urn string, meta *SchemaMetadata) error {
	if meta == nil {
		return r.cache.Set(urn, cachedSchema{})
	}
	return r.AddRawSchemaInfo(urn, meta.ToSchemaInfo())
}

// AddRawSchemaInfo seeds the cache with an already converted schema.
func (r *Resolver) AddRawSchemaInfo(urn string, schema core.SchemaInfo) error {
	if schema == nil {
		schema = core.SchemaInfo{}
	}
	return r.cache.Set(urn, cachedSchema{Schema: schema})
}

// HasURN reports whether a schema is cached for urn. Negative entries
// do not count.
func (r *Resolver) HasURN(urn string) bool {
	cached, ok, err := r.cache.Get(urn)
	return err == nil && ok && cached.Schema != nil
}

// SchemaCount returns the number of cached known schemas.
func (r *Resolver) SchemaCount() (int, error) {
	var n int
	//nolint:gosec // table name is a constant
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE known = 1", cacheTable)
	err := r.cache.Query(query, nil, func(rows *sql.Rows) error {
		return rows.Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close flushes the cache.
func (r *Resolver) Close() error {
	return r.cache.Close()
}
