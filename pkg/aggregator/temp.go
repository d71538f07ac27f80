package aggregator

import (
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leaplineage/pkg/lineage"
)

// resolvedTemp is what a temp table stands for once the queries that
// wrote it are followed back to permanent tables.
type resolvedTemp struct {
	upstreams []string
	// columns maps a temp table column to the permanent columns it reads.
	columns map[string][]lineage.DatasetColumn
}

// tempResolver rewrites query lineage through temp tables. A temp table
// is looked up in the sessions of the query reading it, then among the
// temp tables written outside any session.
//
// The resolver lives for one GenMetadata call. Results are memoized per
// (session, temp table); a temp table reached again while it is being
// resolved closes a cycle, which is reported once and treated as
// resolved with no further upstreams.
type tempResolver struct {
	a          *Aggregator
	memo       map[string]*resolvedTemp
	onPath     map[string]bool
	unresolved map[string]struct{}
}

func newTempResolver(a *Aggregator) *tempResolver {
	return &tempResolver{
		a:          a,
		memo:       make(map[string]*resolvedTemp),
		onPath:     make(map[string]bool),
		unresolved: make(map[string]struct{}),
	}
}

func tempKey(session, urn string) string {
	return session + "|" + urn
}

func sessionsOf(meta *queryMeta) []string {
	if len(meta.Sessions) == 0 {
		return []string{missingSessionID}
	}
	return meta.Sessions
}

// rewrite returns the upstreams and column lineage of meta with every
// temp table replaced by its own upstreams.
func (r *tempResolver) rewrite(meta *queryMeta) ([]string, []lineage.ColumnMapping, error) {
	return r.rewriteIn(sessionsOf(meta), meta)
}

func (r *tempResolver) rewriteIn(sessions []string, meta *queryMeta) ([]string, []lineage.ColumnMapping, error) {
	var ups []string
	for _, up := range meta.Upstreams {
		rt, ok, err := r.lookup(sessions, up)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case ok:
			ups = append(ups, rt.upstreams...)
		case r.a.isTempName(up):
			r.unresolved[up] = struct{}{}
		default:
			ups = append(ups, up)
		}
	}

	mappings := make([]lineage.ColumnMapping, 0, len(meta.ColumnLineage))
	for _, m := range meta.ColumnLineage {
		var cols []lineage.DatasetColumn
		for _, up := range m.Upstreams {
			rt, ok, err := r.lookup(sessions, up.Dataset)
			if err != nil {
				return nil, nil, err
			}
			switch {
			case ok:
				cols = append(cols, rt.columns[up.Column]...)
			case r.a.isTempName(up.Dataset):
			default:
				cols = append(cols, up)
			}
		}
		m.Upstreams = cols
		mappings = append(mappings, m)
	}
	return sortedUnion(nil, ups), lineage.UnionColumnMappings(nil, mappings), nil
}

// lookup resolves urn as a temp table visible from sessions. The bool
// is false when urn is not a temp table written by any known query.
func (r *tempResolver) lookup(sessions []string, urn string) (*resolvedTemp, bool, error) {
	for _, session := range sessions {
		rt, ok, err := r.resolve(session, urn)
		if err != nil || ok {
			return rt, ok, err
		}
	}
	if slices.Contains(sessions, missingSessionID) {
		return nil, false, nil
	}
	return r.resolve(missingSessionID, urn)
}

func (r *tempResolver) resolve(session, urn string) (*resolvedTemp, bool, error) {
	key := tempKey(session, urn)
	if rt, ok := r.memo[key]; ok {
		return rt, true, nil
	}
	temps, _, err := r.a.st.temp.Get(session)
	if err != nil {
		return nil, false, err
	}
	producers := slices.Clone(temps[urn])
	if len(producers) == 0 {
		return nil, false, nil
	}
	if r.onPath[key] {
		r.a.noteCycle(key)
		return &resolvedTemp{}, true, nil
	}
	r.onPath[key] = true
	defer delete(r.onPath, key)

	rt := &resolvedTemp{columns: make(map[string][]lineage.DatasetColumn)}
	for _, qid := range producers {
		meta, ok, err := r.a.st.queries.Get(qid)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		ups, mappings, err := r.rewriteIn([]string{session}, meta)
		if err != nil {
			return nil, false, err
		}
		rt.upstreams = sortedUnion(rt.upstreams, ups)
		for _, m := range mappings {
			if m.Downstream.Dataset == urn {
				rt.columns[m.Downstream.Column] = append(rt.columns[m.Downstream.Column], m.Upstreams...)
			}
		}
	}
	r.memo[key] = rt
	return rt, true, nil
}

// finish copies the resolution counters into the report.
func (r *tempResolver) finish() {
	r.a.report.NumTempTablesResolved = len(r.memo)
	r.a.report.NumUnresolvedTemp = len(r.unresolved)
}

// noteCycle reports a circular temp table chain, once per chain.
func (a *Aggregator) noteCycle(key string) {
	if _, ok := a.cycles[key]; ok {
		return
	}
	a.cycles[key] = struct{}{}
	a.report.NumTempTableCycles++
	a.logger.Warn("temp table lineage is circular", slog.String("temp_table", key))
}
