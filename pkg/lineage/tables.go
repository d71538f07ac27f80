package lineage

import (
	"context"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
)

// relpersistenceTemp marks a RangeVar created with TEMP or TEMPORARY.
const relpersistenceTemp = "t"

// TableLineage returns the tables stmt reads and the tables it writes,
// both sorted. Reads are every table reference minus the written tables
// and the names of common table expressions defined in the statement.
// Unqualified names are qualified with the defaults.
func TableLineage(ctx context.Context, stmt *parser.Statement, defaultDB, defaultSchema string) (read, write []core.TableName, err error) {
	refs, err := collectTableRefs(parser.NewGuard(ctx), stmt.Node())
	if err != nil {
		return nil, nil, err
	}

	writes := make(map[core.TableName]struct{}, len(refs.writes))
	for _, rv := range refs.writes {
		writes[qualify(rv, defaultDB, defaultSchema)] = struct{}{}
	}

	reads := make(map[core.TableName]struct{}, len(refs.all))
	for _, rv := range refs.all {
		if rv.GetSchemaname() == "" && rv.GetCatalogname() == "" {
			if _, isCTE := refs.ctes[rv.GetRelname()]; isCTE {
				continue
			}
		}
		t := qualify(rv, defaultDB, defaultSchema)
		if _, isWrite := writes[t]; isWrite {
			continue
		}
		reads[t] = struct{}{}
	}
	return core.SortedTables(reads), core.SortedTables(writes), nil
}

// TempTables returns the tables stmt creates as temporary tables.
func TempTables(ctx context.Context, stmt *parser.Statement, defaultDB, defaultSchema string) ([]core.TableName, error) {
	refs, err := collectTableRefs(parser.NewGuard(ctx), stmt.Node())
	if err != nil {
		return nil, err
	}
	temps := make(map[core.TableName]struct{})
	for _, rv := range refs.temps {
		temps[qualify(rv, defaultDB, defaultSchema)] = struct{}{}
	}
	return core.SortedTables(temps), nil
}

type tableRefs struct {
	all    []*pg_query.RangeVar
	writes []*pg_query.RangeVar
	temps  []*pg_query.RangeVar
	ctes   map[string]struct{}
}

func collectTableRefs(g *parser.Guard, root *pg_query.Node) (*tableRefs, error) {
	refs := &tableRefs{ctes: make(map[string]struct{})}
	addWrite := func(rv *pg_query.RangeVar) {
		if rv != nil && rv.GetRelname() != "" {
			refs.writes = append(refs.writes, rv)
		}
	}
	addCreate := func(rv *pg_query.RangeVar) {
		addWrite(rv)
		if rv.GetRelpersistence() == relpersistenceTemp {
			refs.temps = append(refs.temps, rv)
		}
	}

	err := parser.Walk(g, root, func(msg proto.Message) bool {
		switch n := msg.(type) {
		case *pg_query.RangeVar:
			if n.GetRelname() != "" {
				refs.all = append(refs.all, n)
			}
		case *pg_query.CommonTableExpr:
			refs.ctes[n.GetCtename()] = struct{}{}
		case *pg_query.InsertStmt:
			addWrite(n.GetRelation())
		case *pg_query.UpdateStmt:
			addWrite(n.GetRelation())
		case *pg_query.DeleteStmt:
			addWrite(n.GetRelation())
		case *pg_query.MergeStmt:
			addWrite(n.GetRelation())
		case *pg_query.TruncateStmt:
			for _, rel := range n.GetRelations() {
				addWrite(rel.GetRangeVar())
			}
		case *pg_query.CreateStmt:
			addCreate(n.GetRelation())
		case *pg_query.CreateTableAsStmt:
			addCreate(n.GetInto().GetRel())
		case *pg_query.SelectStmt:
			if into := n.GetIntoClause(); into != nil {
				addCreate(into.GetRel())
			}
		case *pg_query.ViewStmt:
			addWrite(n.GetView())
		case *pg_query.CopyStmt:
			if n.GetIsFrom() {
				addWrite(n.GetRelation())
			}
		case *pg_query.AlterTableStmt:
			addWrite(n.GetRelation())
		case *pg_query.RenameStmt:
			addWrite(n.GetRelation())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// tableName converts a RangeVar without qualifying it.
func tableName(rv *pg_query.RangeVar) core.TableName {
	return core.TableName{
		Database: rv.GetCatalogname(),
		Schema:   rv.GetSchemaname(),
		Table:    rv.GetRelname(),
	}
}

func qualify(rv *pg_query.RangeVar, defaultDB, defaultSchema string) core.TableName {
	return tableName(rv).Qualified(defaultDB, defaultSchema)
}
