// Package aggregator turns a stream of queries and lineage facts into
// deduplicated lineage, query, usage and operation records.
//
// Items are added one at a time with Add. Observed queries are
// fingerprinted, deduplicated per time bucket and parsed once per query
// id; everything learned about a query is merged by union, so repeated
// observations only ever add lineage. Writes to temp tables are kept in
// a per-session index and resolved through when metadata is generated.
// GenMetadata can be called any number of times and always reflects
// every item added so far.
//
// State lives in file-backed collections, so an aggregator holds far
// more queries than fit in memory. An Aggregator is not safe for
// concurrent use; run one per partition instead.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/filebacked"
	"github.com/leapstack-labs/leaplineage/pkg/schema"
	"github.com/leapstack-labs/leaplineage/pkg/toolmeta"
)

// ErrClosed is returned when an aggregator is used after Close.
var ErrClosed = errors.New("aggregator is closed")

// Generate selects the records GenMetadata emits. The zero value emits
// nothing.
type Generate struct {
	Lineage              bool `json:"lineage"`
	Queries              bool `json:"queries"`
	UsageStatistics      bool `json:"usage_statistics"`
	QueryUsageStatistics bool `json:"query_usage_statistics"`
	Operations           bool `json:"operations"`
}

// Config configures an Aggregator.
type Config struct {
	// Platform selects the SQL dialect and the platform of dataset urns.
	// It is ignored when Resolver is set.
	Platform         string
	PlatformInstance string
	Env              string
	// Catalog backs the schema resolver the aggregator creates.
	Catalog schema.Catalog
	// Resolver replaces the aggregator's own resolver. The caller keeps
	// ownership and closes it.
	Resolver *schema.Resolver

	Generate Generate
	// Window bounds usage and operation counting; lineage is collected
	// regardless of time.
	Window Window

	// IsAllowedTable filters every table by dataset name. Nil allows all.
	IsAllowedTable func(name string) bool
	// IsTempTable marks tables as temporary by dataset name, in addition
	// to tables created with CREATE TEMP.
	IsTempTable func(name string) bool

	// FormatQueries pretty-prints query text in query records.
	FormatQueries bool
	// ToolMeta re-attributes queries issued by BI tools. Nil disables it.
	ToolMeta *toolmeta.Extractor

	// CacheConn stores the aggregator state. A connection opened on a
	// file makes the state resumable; nil uses a private temp database.
	CacheConn *filebacked.Conn
	Logger    *slog.Logger
	// Now is the clock used for items without a timestamp.
	Now func() time.Time
}

// Aggregator merges queries into lineage and usage records.
type Aggregator struct {
	cfg          Config
	resolver     *schema.Resolver
	ownsResolver bool
	st           *stores
	report       *Report
	logger       *slog.Logger
	now          func() time.Time
	// cycles holds the temp chains already reported as cycles.
	cycles map[string]struct{}
	closed bool
}

// New creates an aggregator. Invalid configuration is the only error.
func New(cfg Config) (_ *Aggregator, err error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Window.BucketDuration, err = ParseBucketDuration(string(cfg.Window.BucketDuration)); err != nil {
		return nil, err
	}
	if !cfg.Window.Start.IsZero() && !cfg.Window.End.IsZero() && !cfg.Window.Start.Before(cfg.Window.End) {
		return nil, fmt.Errorf("window start %s is not before end %s", cfg.Window.Start, cfg.Window.End)
	}
	if cfg.Generate.QueryUsageStatistics && !cfg.Generate.Queries {
		return nil, errors.New("query usage statistics require query generation")
	}

	a := &Aggregator{
		cfg:      cfg,
		resolver: cfg.Resolver,
		report:   newReport(uuid.New().String()),
		now:      cfg.Now,
		cycles:   make(map[string]struct{}),
	}
	a.logger = cfg.Logger.With(slog.String("component", "aggregator"), slog.String("run_id", a.report.RunID))

	if a.st, err = openStores(cfg.CacheConn, cfg.Logger); err != nil {
		return nil, err
	}
	if a.resolver == nil {
		// the schema cache lives next to the aggregator state
		a.resolver, err = schema.New(schema.Options{
			Platform:         cfg.Platform,
			PlatformInstance: cfg.PlatformInstance,
			Env:              cfg.Env,
			Catalog:          cfg.Catalog,
			CacheConn:        a.st.conn,
			Logger:           cfg.Logger,
		})
		if err != nil {
			_ = a.st.close()
			return nil, err
		}
		a.ownsResolver = true
	}
	return a, nil
}

// Resolver returns the schema resolver used for parsing. Schemas added
// to it are used by every later parse, including view definitions.
func (a *Aggregator) Resolver() *schema.Resolver {
	return a.resolver
}

// Add feeds one item into the aggregator. Problems with the item itself
// are counted in the report; the error is reserved for storage failures
// and cancellation.
func (a *Aggregator) Add(ctx context.Context, item Item) error {
	if a.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch it := item.(type) {
	case *ObservedQuery:
		return a.addObserved(ctx, it)
	case *PreparsedQuery:
		return a.addPreparsed(it)
	case *KnownLineageMapping:
		return a.addKnownMapping(it)
	case *ViewDefinition:
		return a.addViewDefinition(it)
	case *TableRename:
		return a.addTableRename(it)
	case nil:
		return errors.New("nil item")
	default:
		return fmt.Errorf("unsupported item type %T", item)
	}
}

// Report returns a snapshot of the run counters.
func (a *Aggregator) Report() Report {
	r := *a.report
	r.Failures = maps.Clone(a.report.Failures)
	r.ToolMeta = maps.Clone(a.report.ToolMeta)
	r.Warnings = slices.Clone(a.report.Warnings)
	r.SchemaResolver = a.resolver.Stats()
	if !a.closed {
		if n, err := a.st.queries.Len(); err == nil {
			r.NumUniqueQueries = n
		}
	}
	return r
}

// Close releases the stores and, when the aggregator created it, the
// schema resolver. State in a file-backed CacheConn is flushed first.
func (a *Aggregator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	if a.ownsResolver {
		err = a.resolver.Close()
	}
	return errors.Join(err, a.st.close())
}

func (a *Aggregator) platform() string {
	return a.resolver.Platform()
}

func (a *Aggregator) isAllowed(urn string) bool {
	return a.cfg.IsAllowedTable == nil || a.cfg.IsAllowedTable(core.DatasetNameFromURN(urn))
}

func (a *Aggregator) isTempName(urn string) bool {
	return a.cfg.IsTempTable != nil && a.cfg.IsTempTable(core.DatasetNameFromURN(urn))
}

func userURN(user string) string {
	if user == "" {
		return ""
	}
	return core.CorpUserURN(user)
}
