package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/lineage"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
)

// defaultActor stamps records whose query has no known user.
const defaultActor = "urn:li:corpuser:_ingestion"

// maxTopQueries caps the sample queries of a usage record.
const maxTopQueries = 10

// GenMetadata emits a record for everything added so far: lineage per
// downstream dataset, then queries, query usage, dataset usage and
// operations, each as enabled in Config.Generate. It may be called
// again after more items were added. Emission stops at the first error
// returned by emit or when ctx is done.
func (a *Aggregator) GenMetadata(ctx context.Context, emit func(Record) error) error {
	if a.closed {
		return ErrClosed
	}
	if err := a.processViews(ctx); err != nil {
		return err
	}

	g := &generator{
		a:       a,
		ctx:     ctx,
		emit:    emit,
		temps:   newTempResolver(a),
		queries: make(map[string]struct{}),
	}
	r := a.report
	r.NumLineageEdges, r.NumLineageRecords, r.NumQueryRecords = 0, 0, 0
	r.NumUsageRecords, r.NumQueryUsageRecords, r.NumOperationRecords = 0, 0, 0

	steps := []struct {
		name    string
		enabled bool
		run     func() error
	}{
		{"lineage", a.cfg.Generate.Lineage, g.upstreamLineage},
		{"query_usage_ids", a.cfg.Generate.QueryUsageStatistics, g.collectUsedQueries},
		{"queries", a.cfg.Generate.Queries, g.queryEntities},
		{"query_usage", a.cfg.Generate.QueryUsageStatistics, g.queryUsage},
		{"usage", a.cfg.Generate.UsageStatistics, g.datasetUsage},
		{"operations", a.cfg.Generate.Operations, g.operations},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.run(); err != nil {
			return fmt.Errorf("failed to generate %s: %w", step.name, err)
		}
	}
	g.temps.finish()

	a.logger.Info("generated metadata",
		slog.Int("lineage_records", r.NumLineageRecords),
		slog.Int("lineage_edges", r.NumLineageEdges),
		slog.Int("query_records", r.NumQueryRecords),
		slog.Int("usage_records", r.NumUsageRecords),
		slog.Int("operation_records", r.NumOperationRecords))
	return nil
}

// processViews turns pending view definitions into view queries. Views
// are parsed here rather than in Add, so schemas registered after the
// view was added are used.
func (a *Aggregator) processViews(ctx context.Context) error {
	var pending []*ViewDefinition
	if err := a.st.views.Range(func(_ string, v *ViewDefinition) bool {
		pending = append(pending, v)
		return true
	}); err != nil {
		return err
	}
	for _, v := range pending {
		if err := a.processView(ctx, v); err != nil {
			return err
		}
		if err := a.st.views.Delete(v.ViewURN); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) processView(ctx context.Context, v *ViewDefinition) error {
	res := lineage.Analyze(ctx, v.Definition, lineage.Options{
		Resolver:      a.resolver,
		DefaultDB:     v.DefaultDB,
		DefaultSchema: v.DefaultSchema,
		Logger:        a.logger,
	})
	if !res.OK() {
		a.report.fail(failureKind(res.Debug.TableError), res.Debug.TableError, v.Definition)
		return nil
	}
	if err := res.Debug.ColumnError; err != nil {
		a.report.fail(failureKind(err), err, v.Definition)
		a.report.NumTableLineageOnly++
	}
	a.report.NumParsedQueries++

	// the definition may be a bare SELECT or CREATE VIEW under another name
	mappings := a.filterMappings(res.ColumnLineage)
	for i := range mappings {
		mappings[i].Downstream.Dataset = v.ViewURN
	}
	ups := slices.DeleteFunc(a.filterUpstreams(res.InTables), func(urn string) bool { return urn == v.ViewURN })
	now := a.now()
	meta := &queryMeta{
		QueryID:       fmt.Sprintf("view_%016x", xxh3.HashString(v.ViewURN)),
		Text:          v.Definition,
		Type:          core.QueryTypeCreateView,
		LineageType:   LineageView,
		Upstreams:     sortedUnion(nil, ups),
		Downstreams:   []string{v.ViewURN},
		ColumnLineage: lineage.UnionColumnMappings(nil, mappings),
		Confidence:    res.Debug.Confidence,
		Count:         1,
		Sessions:      []string{missingSessionID},
		FirstSeen:     now,
		LastSeen:      now,
	}
	meta.ColumnUsage = columnUsage(meta.ColumnLineage)
	// a redefined view replaces its earlier lineage
	if err := a.st.queries.Set(meta.QueryID, meta); err != nil {
		return err
	}
	return a.addLineageQuery(v.ViewURN, meta.QueryID)
}

type generator struct {
	a     *Aggregator
	ctx   context.Context
	emit  func(Record) error
	temps *tempResolver
	// queries collects the query ids referenced by emitted records.
	queries map[string]struct{}
}

func (g *generator) send(rec Record) error {
	if err := g.ctx.Err(); err != nil {
		return err
	}
	return g.emit(rec)
}

// rangeDict adapts the callback iteration of a dict to a function that
// can fail.
func rangeDict[V any](r func(func(string, V) bool) error, fn func(key string, v V) error) error {
	var fnErr error
	err := r(func(key string, v V) bool {
		fnErr = fn(key, v)
		return fnErr == nil
	})
	return errors.Join(err, fnErr)
}

// edge is the merged lineage of one (downstream, upstream) pair.
type edge struct {
	typ      LineageType
	time     time.Time
	actor    string
	query    string
	queryIDs []string
}

// fieldEdge is the merged lineage of one downstream column.
type fieldEdge struct {
	upstreams  []lineage.DatasetColumn
	confidence float64
	query      string
	time       time.Time
}

func (g *generator) upstreamLineage() error {
	return rangeDict(g.a.st.lineage.Range, g.lineageFor)
}

func (g *generator) lineageFor(down string, entry *lineageEntry) error {
	edges := make(map[string]*edge)
	fields := make(map[string]*fieldEdge)

	for _, qid := range entry.QueryIDs {
		meta, ok, err := g.a.st.queries.Get(qid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ups, mappings, err := g.temps.rewrite(meta)
		if err != nil {
			return err
		}
		for _, up := range ups {
			if up == down {
				continue
			}
			e := edges[up]
			if e == nil {
				e = &edge{}
				edges[up] = e
			}
			e.add(meta.LineageType, meta.LastSeen, meta.Actor, qid)
		}
		for _, m := range mappings {
			if m.Downstream.Dataset != down {
				continue
			}
			f := fields[m.Downstream.Column]
			if f == nil {
				f = &fieldEdge{confidence: meta.Confidence}
				fields[m.Downstream.Column] = f
			}
			f.upstreams = append(f.upstreams, m.Upstreams...)
			f.confidence = min(f.confidence, meta.Confidence)
			if !meta.LastSeen.Before(f.time) {
				f.time, f.query = meta.LastSeen, qid
			}
		}
	}
	for _, k := range entry.Known {
		if k.Upstream == down {
			continue
		}
		e := edges[k.Upstream]
		if e == nil {
			e = &edge{}
			edges[k.Upstream] = e
		}
		e.add(k.LineageType, k.Timestamp, "", k.QueryID)
	}
	if len(edges) == 0 {
		return nil
	}

	withQueries := g.a.cfg.Generate.Queries
	aspect := &UpstreamLineage{Upstreams: make([]Upstream, 0, len(edges))}
	for _, up := range slices.Sorted(maps.Keys(edges)) {
		e := edges[up]
		u := Upstream{
			Dataset:    up,
			Type:       e.typ,
			AuditStamp: AuditStamp{Time: e.time.UnixMilli(), Actor: cmp.Or(e.actor, defaultActor)},
		}
		if withQueries && e.query != "" {
			u.Query = core.QueryURN(e.query)
			for _, qid := range e.queryIDs {
				g.queries[qid] = struct{}{}
			}
		}
		aspect.Upstreams = append(aspect.Upstreams, u)
	}
	for _, col := range slices.Sorted(maps.Keys(fields)) {
		f := fields[col]
		var ups []string
		for _, up := range f.upstreams {
			// only columns of tables that made it into the upstreams
			if _, ok := edges[up.Dataset]; ok {
				ups = append(ups, core.SchemaFieldURN(up.Dataset, up.Column))
			}
		}
		if len(ups) == 0 {
			continue
		}
		fgl := FineGrainedLineage{
			UpstreamType:    FieldSet,
			Upstreams:       sortedUnion(nil, ups),
			DownstreamType:  Field,
			Downstreams:     []string{core.SchemaFieldURN(down, col)},
			ConfidenceScore: f.confidence,
		}
		if withQueries {
			fgl.Query = core.QueryURN(f.query)
		}
		aspect.FineGrainedLineages = append(aspect.FineGrainedLineages, fgl)
	}

	g.a.report.NumLineageRecords++
	g.a.report.NumLineageEdges += len(aspect.Upstreams)
	return g.send(Record{EntityURN: down, EntityType: EntityDataset, Aspect: AspectUpstreamLineage, Value: aspect})
}

// add merges one contribution. The latest one decides type, actor and
// query.
func (e *edge) add(typ LineageType, ts time.Time, actor, qid string) {
	if qid != "" {
		e.queryIDs = addUnique(e.queryIDs, qid)
	}
	if e.typ != "" && ts.Before(e.time) {
		return
	}
	e.time, e.typ = ts, typ
	if actor != "" {
		e.actor = actor
	}
	if qid != "" {
		e.query = qid
	}
}

func (g *generator) collectUsedQueries() error {
	return g.a.st.queryUsage.Range(func(_ string, u *queryUsageBucket) bool {
		g.queries[u.QueryID] = struct{}{}
		return true
	})
}

func (g *generator) queryEntities() error {
	for _, qid := range slices.Sorted(maps.Keys(g.queries)) {
		meta, ok, err := g.a.st.queries.Get(qid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := g.queryRecords(meta); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) queryRecords(meta *queryMeta) error {
	urn := core.QueryURN(meta.QueryID)
	actor := cmp.Or(meta.Actor, defaultActor)
	text := meta.Text
	if g.a.cfg.FormatQueries {
		text = g.a.formatQuery(g.ctx, text)
	}
	props := &QueryProperties{
		Statement:    QueryStatement{Value: text, Language: "SQL"},
		Source:       "SYSTEM",
		Created:      AuditStamp{Time: meta.FirstSeen.UnixMilli(), Actor: actor},
		LastModified: AuditStamp{Time: meta.LastSeen.UnixMilli(), Actor: actor},
	}
	if err := g.send(Record{EntityURN: urn, EntityType: EntityQuery, Aspect: AspectQueryProperties, Value: props}); err != nil {
		return err
	}

	ups, mappings, err := g.temps.rewrite(meta)
	if err != nil {
		return err
	}
	var entities []string
	entities = append(entities, ups...)
	for _, down := range meta.Downstreams {
		if !meta.isTempDownstream(down) {
			entities = append(entities, down)
		}
	}
	for _, m := range mappings {
		for _, up := range m.Upstreams {
			entities = append(entities, core.SchemaFieldURN(up.Dataset, up.Column))
		}
		if m.Downstream.Dataset != "" && !meta.isTempDownstream(m.Downstream.Dataset) {
			entities = append(entities, core.SchemaFieldURN(m.Downstream.Dataset, m.Downstream.Column))
		}
	}
	subjects := &QuerySubjects{}
	for _, e := range sortedUnion(nil, entities) {
		subjects.Subjects = append(subjects.Subjects, QuerySubject{Entity: e})
	}
	g.a.report.NumQueryRecords++
	return g.send(Record{EntityURN: urn, EntityType: EntityQuery, Aspect: AspectQuerySubjects, Value: subjects})
}

// formatQuery pretty-prints text, or returns it unchanged when it does
// not parse.
func (a *Aggregator) formatQuery(ctx context.Context, text string) string {
	stmt, err := parser.Parse(ctx, text, a.resolver.Dialect())
	if err != nil {
		return text
	}
	out, err := stmt.Deparse()
	if err != nil {
		return text
	}
	return out
}

func (g *generator) granularity() TimeWindowSize {
	return TimeWindowSize{Unit: g.a.cfg.Window.BucketDuration, Multiple: 1}
}

func (g *generator) queryUsage() error {
	return rangeDict(g.a.st.queryUsage.Range, func(_ string, u *queryUsageBucket) error {
		g.a.report.NumQueryUsageRecords++
		return g.send(Record{
			EntityURN:  core.QueryURN(u.QueryID),
			EntityType: EntityQuery,
			Aspect:     AspectQueryUsageStatistics,
			Value: &QueryUsageStatistics{
				TimestampMillis:  u.Bucket.UnixMilli(),
				EventGranularity: g.granularity(),
				QueryCount:       u.Count,
				UniqueUserCount:  len(u.Users),
				UserCounts:       userCounts(u.Users),
			},
		})
	})
}

func (g *generator) datasetUsage() error {
	return rangeDict(g.a.st.usage.Range, func(_ string, u *usageBucket) error {
		top, err := g.topQueries(u.Queries)
		if err != nil {
			return err
		}
		fields := make([]FieldCount, 0, len(u.Columns))
		for _, col := range topKeys(u.Columns, len(u.Columns)) {
			fields = append(fields, FieldCount{FieldPath: col, Count: u.Columns[col]})
		}
		g.a.report.NumUsageRecords++
		return g.send(Record{
			EntityURN:  u.Dataset,
			EntityType: EntityDataset,
			Aspect:     AspectDatasetUsageStatistics,
			Value: &DatasetUsageStatistics{
				TimestampMillis:  u.Bucket.UnixMilli(),
				EventGranularity: g.granularity(),
				TotalSQLQueries:  u.Count,
				UniqueUserCount:  len(u.Users),
				UserCounts:       userCounts(u.Users),
				TopSQLQueries:    top,
				FieldCounts:      fields,
			},
		})
	})
}

func (g *generator) topQueries(counts map[string]int) ([]string, error) {
	var out []string
	for _, qid := range topKeys(counts, maxTopQueries) {
		meta, ok, err := g.a.st.queries.Get(qid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, meta.Text)
		}
	}
	return out, nil
}

func (g *generator) operations() error {
	return rangeDict(g.a.st.operations.Range, func(_ string, o *operationBucket) error {
		queries := make([]string, 0, len(o.Queries))
		for _, qid := range o.Queries {
			queries = append(queries, core.QueryURN(qid))
		}
		g.a.report.NumOperationRecords++
		return g.send(Record{
			EntityURN:  o.Dataset,
			EntityType: EntityDataset,
			Aspect:     AspectOperation,
			Value: &Operation{
				TimestampMillis:      o.Bucket.UnixMilli(),
				LastUpdatedTimestamp: o.Last.UnixMilli(),
				OperationType:        o.Type,
				Actor:                o.Actor,
				Count:                o.Count,
				Queries:              queries,
			},
		})
	})
}

// topKeys returns up to n keys by descending count, ties by key.
func topKeys(counts map[string]int, n int) []string {
	keys := slices.SortedFunc(maps.Keys(counts), func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func userCounts(users map[string]int) []UserCount {
	out := make([]UserCount, 0, len(users))
	for _, user := range topKeys(users, len(users)) {
		out = append(out, UserCount{User: user, Count: users[user]})
	}
	return out
}
