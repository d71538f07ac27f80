package aggregator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/filebacked"
	"github.com/leapstack-labs/leaplineage/pkg/lineage"
)

// missingSessionID groups temp tables created outside any session.
const missingSessionID = "__MISSING_SESSION_ID"

// queryMeta is everything known about one query id. It is built from
// the first observation and grown by union afterwards.
type queryMeta struct {
	QueryID     string         `json:"query_id"`
	Text        string         `json:"text"`
	Type        core.QueryType `json:"type"`
	LineageType LineageType    `json:"lineage_type"`
	Upstreams   []string       `json:"upstreams,omitempty"`
	Downstreams []string       `json:"downstreams,omitempty"`
	// TempDownstreams are the downstreams that are temp tables. Their
	// lineage is resolved into the queries that read them.
	TempDownstreams []string                `json:"temp_downstreams,omitempty"`
	ColumnLineage   []lineage.ColumnMapping `json:"column_lineage,omitempty"`
	ColumnUsage     map[string][]string     `json:"column_usage,omitempty"`
	Confidence      float64                 `json:"confidence"`
	Count           int                     `json:"count"`
	Actor           string                  `json:"actor,omitempty"`
	Sessions        []string                `json:"sessions,omitempty"`
	FirstSeen       time.Time               `json:"first_seen"`
	LastSeen        time.Time               `json:"last_seen"`
}

// merge unions the lineage facts of o into q.
func (q *queryMeta) merge(o *queryMeta) {
	q.Upstreams = sortedUnion(q.Upstreams, o.Upstreams)
	q.Downstreams = sortedUnion(q.Downstreams, o.Downstreams)
	q.TempDownstreams = sortedUnion(q.TempDownstreams, o.TempDownstreams)
	q.ColumnLineage = lineage.UnionColumnMappings(q.ColumnLineage, o.ColumnLineage)
	for urn, cols := range o.ColumnUsage {
		if q.ColumnUsage == nil {
			q.ColumnUsage = make(map[string][]string)
		}
		q.ColumnUsage[urn] = sortedUnion(q.ColumnUsage[urn], cols)
	}
	q.Confidence = min(q.Confidence, o.Confidence)
	if q.Type == "" || q.Type == core.QueryTypeUnknown {
		q.Type = o.Type
	}
}

// isTempDownstream reports whether urn is one of the temp tables q writes.
func (q *queryMeta) isTempDownstream(urn string) bool {
	return slices.Contains(q.TempDownstreams, urn)
}

// dedupEntry is the representative of one (bucket, query id) key.
type dedupEntry struct {
	QueryID         string    `json:"query_id"`
	UsageMultiplier int       `json:"usage_multiplier"`
	Timestamp       time.Time `json:"timestamp"`
	// Failed marks queries that could not be parsed, so repeats are
	// skipped without parsing again.
	Failed bool `json:"failed,omitempty"`
}

// knownUpstream is an edge added without a query.
type knownUpstream struct {
	Upstream    string      `json:"upstream"`
	LineageType LineageType `json:"lineage_type"`
	Timestamp   time.Time   `json:"timestamp"`
	QueryID     string      `json:"query_id,omitempty"`
}

// lineageEntry lists what contributes lineage to one downstream.
type lineageEntry struct {
	QueryIDs []string        `json:"query_ids,omitempty"`
	Known    []knownUpstream `json:"known,omitempty"`
}

// usageBucket counts reads of one dataset in one bucket.
type usageBucket struct {
	Dataset string         `json:"dataset"`
	Bucket  time.Time      `json:"bucket"`
	Count   int            `json:"count"`
	Users   map[string]int `json:"users,omitempty"`
	Queries map[string]int `json:"queries,omitempty"`
	Columns map[string]int `json:"columns,omitempty"`
}

// queryUsageBucket counts runs of one query in one bucket.
type queryUsageBucket struct {
	QueryID string         `json:"query_id"`
	Bucket  time.Time      `json:"bucket"`
	Count   int            `json:"count"`
	Users   map[string]int `json:"users,omitempty"`
}

// operationBucket counts writes of one kind to one dataset in one bucket.
type operationBucket struct {
	Dataset string    `json:"dataset"`
	Bucket  time.Time `json:"bucket"`
	Type    string    `json:"type"`
	Count   int       `json:"count"`
	Last    time.Time `json:"last"`
	Actor   string    `json:"actor,omitempty"`
	Queries []string  `json:"queries,omitempty"`
}

// tempSession maps the temp tables of one session to the queries that
// wrote them.
type tempSession map[string][]string

// stores holds the file-backed state of an aggregator.
type stores struct {
	conn       *filebacked.Conn
	ownsConn   bool
	dedup      *filebacked.Dict[*dedupEntry]
	queries    *filebacked.Dict[*queryMeta]
	lineage    *filebacked.Dict[*lineageEntry]
	temp       *filebacked.Dict[tempSession]
	views      *filebacked.Dict[*ViewDefinition]
	usage      *filebacked.Dict[*usageBucket]
	queryUsage *filebacked.Dict[*queryUsageBucket]
	operations *filebacked.Dict[*operationBucket]
}

func openStores(conn *filebacked.Conn, logger *slog.Logger) (_ *stores, err error) {
	s := &stores{conn: conn}
	if s.conn == nil {
		if s.conn, err = filebacked.Open("", logger); err != nil {
			return nil, err
		}
		s.ownsConn = true
	}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	if s.dedup, err = newDict[*dedupEntry](s.conn, "query_dedup", logger, false); err != nil {
		return nil, err
	}
	if s.queries, err = newDict[*queryMeta](s.conn, "query_map", logger, true); err != nil {
		return nil, err
	}
	if s.lineage, err = newDict[*lineageEntry](s.conn, "lineage_map", logger, false); err != nil {
		return nil, err
	}
	if s.temp, err = newDict[tempSession](s.conn, "temp_lineage_map", logger, false); err != nil {
		return nil, err
	}
	if s.views, err = newDict[*ViewDefinition](s.conn, "view_definitions", logger, true); err != nil {
		return nil, err
	}
	if s.usage, err = newDict[*usageBucket](s.conn, "usage_buckets", logger, false); err != nil {
		return nil, err
	}
	if s.queryUsage, err = newDict[*queryUsageBucket](s.conn, "query_usage_buckets", logger, false); err != nil {
		return nil, err
	}
	if s.operations, err = newDict[*operationBucket](s.conn, "operation_buckets", logger, false); err != nil {
		return nil, err
	}
	return s, nil
}

func newDict[V any](conn *filebacked.Conn, table string, logger *slog.Logger, compress bool) (*filebacked.Dict[V], error) {
	d, err := filebacked.NewDict(filebacked.DictOptions[V]{
		Conn:     conn,
		Table:    table,
		Compress: compress,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", table, err)
	}
	return d, nil
}

func (s *stores) close() error {
	errs := []error{
		closeDict(s.dedup),
		closeDict(s.queries),
		closeDict(s.lineage),
		closeDict(s.temp),
		closeDict(s.views),
		closeDict(s.usage),
		closeDict(s.queryUsage),
		closeDict(s.operations),
	}
	if s.ownsConn {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

func closeDict[V any](d *filebacked.Dict[V]) error {
	if d == nil {
		return nil
	}
	return d.Close()
}

// flush writes every dirty value to the database.
func (s *stores) flush() error {
	return errors.Join(
		s.dedup.Flush(),
		s.queries.Flush(),
		s.lineage.Flush(),
		s.temp.Flush(),
		s.views.Flush(),
		s.usage.Flush(),
		s.queryUsage.Flush(),
		s.operations.Flush(),
	)
}

// bucketKey orders bucketed entries by name, then time.
func bucketKey(name string, bucket time.Time) string {
	return fmt.Sprintf("%s|%014d", name, bucket.UnixMilli())
}

func sortedUnion(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func addUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
