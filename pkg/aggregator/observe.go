package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/fingerprint"
	"github.com/leapstack-labs/leaplineage/pkg/lineage"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
)

// maxOperationQueries caps the query ids kept per operation bucket.
const maxOperationQueries = 10

// observation is one execution, or UsageMultiplier executions, of a query.
type observation struct {
	ts      time.Time
	user    string
	session string
	n       int
}

func (a *Aggregator) addObserved(ctx context.Context, q *ObservedQuery) error {
	a.report.NumObservedQueries++
	q = a.attributeTool(q)

	if isScript(q.Query) {
		stmts, _ := parser.ParseScript(ctx, q.Query, a.resolver.Dialect())
		if len(stmts) > 1 {
			a.report.NumScriptsSplit++
			for _, stmt := range stmts {
				sub := *q
				sub.Query = stmt.Text()
				sub.QueryHash = ""
				if err := a.addStatement(ctx, &sub); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return a.addStatement(ctx, q)
}

// isScript reports whether text may hold more than one statement.
func isScript(text string) bool {
	return strings.Contains(strings.TrimRight(strings.TrimSpace(text), ";"), ";")
}

// attributeTool returns q re-attributed to the user a BI tool ran it for.
func (a *Aggregator) attributeTool(q *ObservedQuery) *ObservedQuery {
	if a.cfg.ToolMeta == nil {
		return q
	}
	res, ok := a.cfg.ToolMeta.Extract(q.Query)
	if !ok {
		return q
	}
	a.report.ToolMeta[res.Tool]++
	out := *q
	out.UserVia = q.User
	out.User = res.User
	return &out
}

// queryID identifies a query by its fingerprint and, since they change
// what the tables resolve to, its default database and schema.
func (a *Aggregator) queryID(q *ObservedQuery) string {
	fp := q.QueryHash
	if fp == "" {
		fp = fingerprint.Fingerprint(q.Query, a.platform(), true)
	}
	if q.DefaultDB == "" && q.DefaultSchema == "" {
		return fp
	}
	return fmt.Sprintf("%016x", xxh3.HashString(fp+"\x00"+q.DefaultDB+"\x00"+q.DefaultSchema))
}

func (a *Aggregator) addStatement(ctx context.Context, q *ObservedQuery) error {
	obs := observation{
		ts:      q.Timestamp,
		user:    userURN(q.User),
		session: q.SessionID,
		n:       max(1, q.UsageMultiplier),
	}
	if obs.ts.IsZero() {
		obs.ts = a.now()
	}
	if obs.session == "" {
		obs.session = missingSessionID
	}

	qid := a.queryID(q)
	key := bucketKey(qid, a.cfg.Window.Bucket(obs.ts))
	entry, seen, err := a.st.dedup.Get(key)
	if err != nil {
		return err
	}
	if seen {
		a.report.NumDedupedObservation++
		entry.UsageMultiplier += obs.n
		if obs.ts.After(entry.Timestamp) {
			entry.Timestamp = obs.ts
		}
		if err := a.st.dedup.Set(key, entry); err != nil {
			return err
		}
		if entry.Failed {
			return nil
		}
		return a.observe(qid, obs)
	}

	entry = &dedupEntry{QueryID: qid, UsageMultiplier: obs.n, Timestamp: obs.ts}
	if _, known, err := a.st.queries.Get(qid); err != nil {
		return err
	} else if !known {
		meta := a.analyze(ctx, q, qid)
		if meta == nil {
			entry.Failed = true
			return a.st.dedup.Set(key, entry)
		}
		if err := a.st.queries.Set(qid, meta); err != nil {
			return err
		}
	}
	if err := a.st.dedup.Set(key, entry); err != nil {
		return err
	}
	return a.observe(qid, obs)
}

// analyze parses q into a query meta. It returns nil when q cannot
// contribute lineage.
func (a *Aggregator) analyze(ctx context.Context, q *ObservedQuery, qid string) *queryMeta {
	res := lineage.Analyze(ctx, q.Query, lineage.Options{
		Resolver:      a.resolver,
		DefaultDB:     q.DefaultDB,
		DefaultSchema: q.DefaultSchema,
		Logger:        a.logger,
	})
	if !res.OK() {
		a.report.fail(failureKind(res.Debug.TableError), res.Debug.TableError, q.Query)
		a.logger.Debug("skipping unparsable query", slog.String("query_id", qid), slog.String("error", res.Debug.TableError.Error()))
		return nil
	}
	if err := res.Debug.ColumnError; err != nil {
		kind := failureKind(err)
		a.report.fail(kind, err, q.Query)
		var circular *lineage.CircularScopeError
		if errors.As(err, &circular) {
			return nil
		}
		a.report.NumTableLineageOnly++
	}
	a.report.NumParsedQueries++

	meta := &queryMeta{
		QueryID:     qid,
		Text:        q.Query,
		Type:        res.QueryType,
		LineageType: LineageTransformed,
		Confidence:  res.Debug.Confidence,
		FirstSeen:   q.Timestamp,
	}
	for _, urn := range res.OutTables {
		switch {
		case slices.Contains(res.TempTables, urn) || a.isTempName(urn):
			meta.Downstreams = append(meta.Downstreams, urn)
			meta.TempDownstreams = append(meta.TempDownstreams, urn)
		case a.isAllowed(urn):
			meta.Downstreams = append(meta.Downstreams, urn)
		default:
			a.report.NumDeniedTables++
		}
	}
	meta.Upstreams = a.filterUpstreams(res.InTables)
	meta.ColumnLineage = a.filterMappings(res.ColumnLineage)
	meta.ColumnUsage = columnUsage(meta.ColumnLineage)
	if len(meta.Downstreams)-len(meta.TempDownstreams) > 1 {
		a.report.NumMultipleDownstreams++
	}
	return meta
}

// filterUpstreams drops denied tables. Temp tables are kept whatever
// their name so they can be resolved later.
func (a *Aggregator) filterUpstreams(urns []string) []string {
	out := make([]string, 0, len(urns))
	for _, urn := range urns {
		if a.isTempName(urn) || a.isAllowed(urn) {
			out = append(out, urn)
			continue
		}
		a.report.NumDeniedTables++
	}
	return out
}

func (a *Aggregator) filterMappings(mappings []lineage.ColumnMapping) []lineage.ColumnMapping {
	keep := func(urn string) bool {
		return urn == "" || a.isTempName(urn) || a.isAllowed(urn)
	}
	out := make([]lineage.ColumnMapping, 0, len(mappings))
	for _, m := range mappings {
		if !keep(m.Downstream.Dataset) {
			continue
		}
		ups := m.Upstreams[:0:0]
		for _, up := range m.Upstreams {
			if keep(up.Dataset) {
				ups = append(ups, up)
			}
		}
		m.Upstreams = ups
		out = append(out, m)
	}
	return out
}

// columnUsage lists the upstream columns the mappings read, per dataset.
func columnUsage(mappings []lineage.ColumnMapping) map[string][]string {
	var out map[string][]string
	for _, m := range mappings {
		for _, up := range m.Upstreams {
			if out == nil {
				out = make(map[string][]string)
			}
			out[up.Dataset] = addUnique(out[up.Dataset], up.Column)
		}
	}
	return out
}

func (a *Aggregator) addPreparsed(q *PreparsedQuery) error {
	a.report.NumPreparsedQueries++
	qid := q.QueryID
	if qid == "" {
		qid = fingerprint.Fingerprint(q.QueryText, a.platform(), true)
	}
	obs := observation{
		ts:      q.Timestamp,
		user:    userURN(q.User),
		session: q.SessionID,
		n:       max(1, q.QueryCount),
	}
	if obs.ts.IsZero() {
		obs.ts = a.now()
	}
	if obs.session == "" {
		obs.session = missingSessionID
	}

	incoming := &queryMeta{
		QueryID:       qid,
		Text:          q.QueryText,
		Type:          q.QueryType,
		LineageType:   LineageTransformed,
		Upstreams:     sortedUnion(nil, a.filterUpstreams(q.Upstreams)),
		ColumnLineage: lineage.UnionColumnMappings(nil, a.filterMappings(q.ColumnLineage)),
		Confidence:    q.ConfidenceScore,
		FirstSeen:     obs.ts,
	}
	if incoming.Type == "" {
		incoming.Type = core.QueryTypeUnknown
	}
	if incoming.Confidence <= 0 {
		incoming.Confidence = lineage.ConfidenceFull
	}
	if q.Downstream != "" {
		switch {
		case a.isTempName(q.Downstream):
			incoming.Downstreams = []string{q.Downstream}
			incoming.TempDownstreams = []string{q.Downstream}
		case a.isAllowed(q.Downstream):
			incoming.Downstreams = []string{q.Downstream}
		default:
			a.report.NumDeniedTables++
		}
	}
	usage := columnUsage(incoming.ColumnLineage)
	for urn, cols := range q.ColumnUsage {
		if !a.isAllowed(urn) {
			continue
		}
		if usage == nil {
			usage = make(map[string][]string)
		}
		usage[urn] = sortedUnion(usage[urn], cols)
	}
	incoming.ColumnUsage = usage

	if err := a.mergeQuery(incoming); err != nil {
		return err
	}
	return a.observe(qid, obs)
}

// mergeQuery stores meta, unioning it into what is known for its id.
func (a *Aggregator) mergeQuery(meta *queryMeta) error {
	existing, err := a.st.queries.ForMutation(meta.QueryID, func() *queryMeta { return meta })
	if err != nil {
		return err
	}
	if existing != meta {
		existing.merge(meta)
	}
	return nil
}

// observe counts one observation of an already stored query.
func (a *Aggregator) observe(qid string, obs observation) error {
	meta, err := a.st.queries.ForMutation(qid, nil)
	if err != nil {
		return err
	}
	meta.Count += obs.n
	if meta.FirstSeen.IsZero() || obs.ts.Before(meta.FirstSeen) {
		meta.FirstSeen = obs.ts
	}
	if !obs.ts.Before(meta.LastSeen) {
		meta.LastSeen = obs.ts
		if obs.user != "" {
			meta.Actor = obs.user
		}
	}
	meta.Sessions = addUnique(meta.Sessions, obs.session)

	temps, _, err := a.st.temp.Get(obs.session)
	if err != nil {
		return err
	}
	var written []string
	for _, down := range meta.Downstreams {
		if meta.isTempDownstream(down) || len(temps[down]) > 0 {
			if err := a.indexTemp(obs.session, down, qid); err != nil {
				return err
			}
			continue
		}
		written = append(written, down)
	}

	if a.cfg.Generate.Lineage {
		for _, down := range written {
			if err := a.addLineageQuery(down, qid); err != nil {
				return err
			}
		}
	}

	if !a.cfg.Window.Contains(obs.ts) {
		a.report.NumOutsideWindow++
		return nil
	}
	bucket := a.cfg.Window.Bucket(obs.ts)

	if a.cfg.Generate.UsageStatistics {
		for _, up := range meta.Upstreams {
			if a.isTempName(up) || len(temps[up]) > 0 {
				continue
			}
			if err := a.countUsage(up, bucket, qid, meta.ColumnUsage[up], obs); err != nil {
				return err
			}
		}
	}
	if a.cfg.Generate.QueryUsageStatistics {
		if err := a.countQueryUsage(qid, bucket, obs); err != nil {
			return err
		}
	}
	if op, ok := meta.Type.OperationType(); ok && a.cfg.Generate.Operations {
		for _, down := range written {
			if err := a.countOperation(down, op, bucket, qid, obs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Aggregator) indexTemp(session, urn, qid string) error {
	temps, err := a.st.temp.ForMutation(session, func() tempSession { return make(tempSession) })
	if err != nil {
		return err
	}
	temps[urn] = addUnique(temps[urn], qid)
	return nil
}

func (a *Aggregator) addLineageQuery(downstream, qid string) error {
	entry, err := a.st.lineage.ForMutation(downstream, func() *lineageEntry { return &lineageEntry{} })
	if err != nil {
		return err
	}
	entry.QueryIDs = addUnique(entry.QueryIDs, qid)
	return nil
}

func (a *Aggregator) countUsage(dataset string, bucket time.Time, qid string, columns []string, obs observation) error {
	u, err := a.st.usage.ForMutation(bucketKey(dataset, bucket), func() *usageBucket {
		return &usageBucket{Dataset: dataset, Bucket: bucket}
	})
	if err != nil {
		return err
	}
	u.Count += obs.n
	u.Queries = increment(u.Queries, qid, obs.n)
	if obs.user != "" {
		u.Users = increment(u.Users, obs.user, obs.n)
	}
	for _, col := range columns {
		u.Columns = increment(u.Columns, col, obs.n)
	}
	return nil
}

func (a *Aggregator) countQueryUsage(qid string, bucket time.Time, obs observation) error {
	u, err := a.st.queryUsage.ForMutation(bucketKey(qid, bucket), func() *queryUsageBucket {
		return &queryUsageBucket{QueryID: qid, Bucket: bucket}
	})
	if err != nil {
		return err
	}
	u.Count += obs.n
	if obs.user != "" {
		u.Users = increment(u.Users, obs.user, obs.n)
	}
	return nil
}

func (a *Aggregator) countOperation(dataset, op string, bucket time.Time, qid string, obs observation) error {
	o, err := a.st.operations.ForMutation(bucketKey(dataset+"|"+op, bucket), func() *operationBucket {
		return &operationBucket{Dataset: dataset, Bucket: bucket, Type: op}
	})
	if err != nil {
		return err
	}
	o.Count += obs.n
	if !obs.ts.Before(o.Last) {
		o.Last = obs.ts
		if obs.user != "" {
			o.Actor = obs.user
		}
	}
	if len(o.Queries) < maxOperationQueries {
		o.Queries = addUnique(o.Queries, qid)
	}
	return nil
}

func (a *Aggregator) addKnownMapping(m *KnownLineageMapping) error {
	a.report.NumKnownMappings++
	if !a.isAllowed(m.Downstream) || !a.isAllowed(m.Upstream) {
		a.report.NumDeniedTables++
		return nil
	}
	typ := m.LineageType
	if typ == "" {
		typ = LineageCopy
	}
	return a.addKnownUpstream(m.Downstream, knownUpstream{Upstream: m.Upstream, LineageType: typ, Timestamp: a.now()})
}

func (a *Aggregator) addTableRename(r *TableRename) error {
	a.report.NumTableRenames++
	if !a.isAllowed(r.NewURN) || !a.isAllowed(r.OriginalURN) {
		a.report.NumDeniedTables++
		return nil
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	known := knownUpstream{Upstream: r.OriginalURN, LineageType: LineageTransformed, Timestamp: ts}
	if r.Query != "" {
		known.QueryID = fingerprint.Fingerprint(r.Query, a.platform(), true)
		err := a.mergeQuery(&queryMeta{
			QueryID:     known.QueryID,
			Text:        r.Query,
			Type:        core.QueryTypeAlter,
			LineageType: LineageTransformed,
			Upstreams:   []string{r.OriginalURN},
			Downstreams: []string{r.NewURN},
			Confidence:  lineage.ConfidenceFull,
			Count:       1,
			Sessions:    []string{cmp.Or(r.SessionID, missingSessionID)},
			FirstSeen:   ts,
			LastSeen:    ts,
		})
		if err != nil {
			return err
		}
	}
	return a.addKnownUpstream(r.NewURN, known)
}

// addKnownUpstream records an edge, keeping the latest fact per upstream.
func (a *Aggregator) addKnownUpstream(downstream string, k knownUpstream) error {
	entry, err := a.st.lineage.ForMutation(downstream, func() *lineageEntry { return &lineageEntry{} })
	if err != nil {
		return err
	}
	for i, existing := range entry.Known {
		if existing.Upstream != k.Upstream {
			continue
		}
		if !k.Timestamp.Before(existing.Timestamp) {
			entry.Known[i] = k
		}
		return nil
	}
	entry.Known = append(entry.Known, k)
	return nil
}

func (a *Aggregator) addViewDefinition(v *ViewDefinition) error {
	a.report.NumViewDefinitions++
	if !a.isAllowed(v.ViewURN) {
		a.report.NumDeniedTables++
		return nil
	}
	return a.st.views.Set(v.ViewURN, v)
}

func increment(m map[string]int, key string, n int) map[string]int {
	if m == nil {
		m = make(map[string]int)
	}
	m[key] += n
	return m
}
