package lineage

import (
	"context"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leaplineage/pkg/core"
	"github.com/leapstack-labs/leaplineage/pkg/dialect"
	"github.com/leapstack-labs/leaplineage/pkg/parser"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
)

// ColumnOptions configures ColumnLineage.
type ColumnOptions struct {
	// Schemas holds the known schemas of the tables the statement
	// references, keyed by qualified name.
	Schemas map[core.TableName]core.SchemaInfo
	// OutputTable is the table the statement writes, nil for queries.
	OutputTable *core.TableName
	// DefaultDB and DefaultSchema qualify table references. They must
	// match the qualification of the Schemas keys.
	DefaultDB     string
	DefaultSchema string
	// Traversal defaults to NewDFSTraversal.
	Traversal ScopeTraversal
}

// ColumnLineage maps every output column of stmt to the base table
// columns it is derived from.
//
// INSERT, CREATE TABLE AS, SELECT INTO and CREATE VIEW are reduced to
// their query, with output columns renamed by the target column list.
// UPDATE and MERGE map each assigned column to its expression over the
// target and source relations. Any other statement fails with an
// UnsupportedStatementError.
func ColumnLineage(ctx context.Context, stmt *parser.Statement, opts ColumnOptions) ([]core.ColumnLineageInfo, error) {
	b := newBuilder(ctx, stmt.Dialect(), opts)
	root, renames, err := b.reduce(stmt)
	if err != nil {
		return nil, err
	}
	return b.emit(root, renames, opts.OutputTable)
}

type builder struct {
	guard         *parser.Guard
	dialect       *dialect.Dialect
	schemas       map[core.TableName]core.SchemaInfo
	defaultDB     string
	defaultSchema string
	traversal     ScopeTraversal
	building      []string
}

func newBuilder(ctx context.Context, d *dialect.Dialect, opts ColumnOptions) *builder {
	if opts.Traversal == nil {
		opts.Traversal = NewDFSTraversal()
	}
	return &builder{
		guard:         parser.NewGuard(ctx),
		dialect:       d,
		schemas:       opts.Schemas,
		defaultDB:     opts.DefaultDB,
		defaultSchema: opts.DefaultSchema,
		traversal:     opts.Traversal,
	}
}

// reduce builds the scope whose outputs are the columns written by stmt,
// along with positional names for them from a target column list.
func (b *builder) reduce(stmt *parser.Statement) (*Scope, []string, error) {
	unsupported := &UnsupportedStatementError{Kind: stmt.Kind()}

	switch n := stmt.Node().GetNode().(type) {
	case *pg_query.Node_SelectStmt:
		scope, err := b.selectScope(n.SelectStmt, "select", nil, nil)
		return scope, stringList(n.SelectStmt.GetIntoClause().GetColNames()), err

	case *pg_query.Node_InsertStmt:
		ins := n.InsertStmt
		sel := ins.GetSelectStmt().GetSelectStmt()
		if sel == nil {
			return nil, nil, unsupported
		}
		env := b.withEnv(ins.GetWithClause(), nil)
		scope, err := b.selectScope(sel, "insert", env, nil)
		return scope, resTargetNames(ins.GetCols()), err

	case *pg_query.Node_CreateTableAsStmt:
		sel := n.CreateTableAsStmt.GetQuery().GetSelectStmt()
		if sel == nil {
			return nil, nil, unsupported
		}
		scope, err := b.selectScope(sel, "create", nil, nil)
		return scope, stringList(n.CreateTableAsStmt.GetInto().GetColNames()), err

	case *pg_query.Node_ViewStmt:
		sel := n.ViewStmt.GetQuery().GetSelectStmt()
		if sel == nil {
			return nil, nil, unsupported
		}
		scope, err := b.selectScope(sel, "view", nil, nil)
		return scope, stringList(n.ViewStmt.GetAliases()), err

	case *pg_query.Node_UpdateStmt:
		scope, err := b.updateScope(n.UpdateStmt)
		return scope, nil, err

	case *pg_query.Node_MergeStmt:
		scope, err := b.mergeScope(n.MergeStmt)
		return scope, nil, err
	}
	return nil, nil, unsupported
}

func (b *builder) updateScope(u *pg_query.UpdateStmt) (*Scope, error) {
	scope := newScope("update", b.withEnv(u.GetWithClause(), nil), nil)
	if err := b.addFromItem(scope, rangeVarNode(u.GetRelation())); err != nil {
		return nil, err
	}
	for _, item := range u.GetFromClause() {
		if err := b.addFromItem(scope, item); err != nil {
			return nil, err
		}
	}
	for _, t := range u.GetTargetList() {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		expr := rt.GetVal()
		if ref := expr.GetMultiAssignRef(); ref != nil {
			// SET (a, b) = (x, y)
			expr = ref.GetSource()
			args := ref.GetSource().GetRowExpr().GetArgs()
			if i := int(ref.GetColno()) - 1; i >= 0 && i < len(args) {
				expr = args[i]
			}
		}
		scope.addOutput(&Output{Name: rt.GetName(), Exprs: []*pg_query.Node{expr}})
	}
	return scope, nil
}

func (b *builder) mergeScope(m *pg_query.MergeStmt) (*Scope, error) {
	scope := newScope("merge", b.withEnv(m.GetWithClause(), nil), nil)
	if err := b.addFromItem(scope, rangeVarNode(m.GetRelation())); err != nil {
		return nil, err
	}
	if err := b.addFromItem(scope, m.GetSourceRelation()); err != nil {
		return nil, err
	}
	for _, w := range m.GetMergeWhenClauses() {
		wc := w.GetMergeWhenClause()
		switch wc.GetCommandType() {
		case pg_query.CmdType_CMD_UPDATE:
			for _, t := range wc.GetTargetList() {
				rt := t.GetResTarget()
				scope.addOutput(&Output{Name: rt.GetName(), Exprs: []*pg_query.Node{rt.GetVal()}})
			}
		case pg_query.CmdType_CMD_INSERT:
			// without a column list the target order is unknown
			targets := wc.GetTargetList()
			for i, v := range wc.GetValues() {
				if i >= len(targets) {
					break
				}
				scope.addOutput(&Output{Name: targets[i].GetResTarget().GetName(), Exprs: []*pg_query.Node{v}})
			}
		}
	}
	return scope, nil
}

// withEnv returns the CTE environment inside a WITH clause. Without
// RECURSIVE each CTE sees only the ones defined before it.
func (b *builder) withEnv(w *pg_query.WithClause, env *cteEnv) *cteEnv {
	if w == nil {
		return env
	}
	if w.GetRecursive() {
		shared := &cteEnv{parent: env, defs: make(map[string]*cteDef)}
		for _, node := range w.GetCtes() {
			if def := newCTEDef(node.GetCommonTableExpr(), shared, true); def != nil {
				shared.defs[def.name] = def
			}
		}
		return shared
	}
	cur := env
	for _, node := range w.GetCtes() {
		if def := newCTEDef(node.GetCommonTableExpr(), cur, false); def != nil {
			cur = &cteEnv{parent: cur, defs: map[string]*cteDef{def.name: def}}
		}
	}
	return cur
}

func newCTEDef(cte *pg_query.CommonTableExpr, env *cteEnv, recursive bool) *cteDef {
	if cte == nil {
		return nil
	}
	return &cteDef{
		name:      cte.GetCtename(),
		query:     cte.GetCtequery().GetSelectStmt(),
		colnames:  stringList(cte.GetAliascolnames()),
		recursive: recursive,
		env:       env,
	}
}

// cteScope builds the scope of a CTE once. A recursive CTE referenced
// from its own recursive branch resolves to its anchor branch.
func (b *builder) cteScope(def *cteDef) (*Scope, error) {
	switch def.state {
	case cteBuilt:
		return def.scope, nil
	case cteBuilding:
		if def.anchor != nil {
			return def.anchor, nil
		}
		path := []string{def.name}
		for i, name := range b.building {
			if name == def.name {
				path = append(append([]string{}, b.building[i:]...), def.name)
				break
			}
		}
		return nil, &CircularScopeError{Path: path}
	}

	def.state = cteBuilding
	b.building = append(b.building, def.name)
	defer func() { b.building = b.building[:len(b.building)-1] }()

	name := "cte:" + def.name
	q := def.query
	var (
		scope *Scope
		err   error
	)
	if def.recursive && q.GetOp() != pg_query.SetOperation_SETOP_NONE && q.GetLarg() != nil {
		env := b.withEnv(q.GetWithClause(), def.env)
		var anchor, rec *Scope
		if anchor, err = b.selectScope(q.GetLarg(), name, env, nil); err != nil {
			return nil, err
		}
		def.anchor = anchor
		if rec, err = b.selectScope(q.GetRarg(), name, env, nil); err != nil {
			return nil, err
		}
		def.anchor = nil
		scope = setOpScope(name, env, nil, anchor, rec)
	} else if scope, err = b.selectScope(q, name, def.env, nil); err != nil {
		return nil, err
	}

	def.scope = scope
	def.state = cteBuilt
	return scope, nil
}

func setOpScope(name string, env *cteEnv, parent *Scope, branches ...*Scope) *Scope {
	scope := newScope(name, env, parent)
	scope.Branches = branches
	for _, out := range branches[0].Outputs {
		scope.addOutput(&Output{Name: out.Name})
	}
	return scope
}

// selectScope builds the scope of a SELECT, a set operation or a VALUES list.
func (b *builder) selectScope(sel *pg_query.SelectStmt, name string, env *cteEnv, parent *Scope) (*Scope, error) {
	if sel == nil {
		return nil, &SQLOptimizerError{Reason: "missing query in " + name}
	}
	if err := b.guard.Enter(); err != nil {
		return nil, err
	}
	defer b.guard.Leave()

	env = b.withEnv(sel.GetWithClause(), env)

	if sel.GetOp() != pg_query.SetOperation_SETOP_NONE {
		left, err := b.selectScope(sel.GetLarg(), name, env, parent)
		if err != nil {
			return nil, err
		}
		right, err := b.selectScope(sel.GetRarg(), name, env, parent)
		if err != nil {
			return nil, err
		}
		return setOpScope(name, env, parent, left, right), nil
	}

	scope := newScope(name, env, parent)
	if rows := sel.GetValuesLists(); len(rows) > 0 {
		for _, row := range rows {
			for i, item := range row.GetList().GetItems() {
				if i == len(scope.Outputs) {
					scope.addOutput(&Output{Name: fmt.Sprintf("column%d", i+1)})
				}
				scope.Outputs[i].Exprs = append(scope.Outputs[i].Exprs, item)
			}
		}
		return scope, nil
	}

	for _, item := range sel.GetFromClause() {
		if err := b.addFromItem(scope, item); err != nil {
			return nil, err
		}
	}
	for i, t := range sel.GetTargetList() {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if qualifier, ok := starQualifier(rt.GetVal()); ok {
			if err := expandStar(scope, qualifier); err != nil {
				return nil, err
			}
			continue
		}
		scope.addOutput(&Output{Name: outputName(rt, i), Exprs: []*pg_query.Node{rt.GetVal()}})
	}
	scope.allowAlias = true
	return scope, nil
}

func (b *builder) addFromItem(scope *Scope, node *pg_query.Node) error {
	switch n := node.GetNode().(type) {
	case *pg_query.Node_RangeVar:
		rv := n.RangeVar
		name, cols := aliasOf(rv.GetAlias(), rv.GetRelname())
		if rv.GetSchemaname() == "" && rv.GetCatalogname() == "" {
			if def := scope.env.lookup(rv.GetRelname()); def != nil {
				if len(cols) == 0 {
					cols = def.colnames
				}
				if def.query == nil {
					// data-modifying CTE
					scope.Sources = append(scope.Sources, &Source{Kind: SourceOpaque, Name: name, Columns: cols})
					return nil
				}
				cte, err := b.cteScope(def)
				if err != nil {
					return err
				}
				scope.Sources = append(scope.Sources, &Source{Kind: SourceCTE, Name: name, Scope: cte, Columns: cols})
				return nil
			}
		}
		t := qualify(rv, b.defaultDB, b.defaultSchema)
		scope.Sources = append(scope.Sources, &Source{Kind: SourceTable, Name: name, Table: t, Schema: b.schemas[t], Columns: cols})

	case *pg_query.Node_RangeSubselect:
		rs := n.RangeSubselect
		name, cols := aliasOf(rs.GetAlias(), "derived")
		parent := scope.Parent
		if rs.GetLateral() {
			parent = scope
		}
		sub, err := b.selectScope(rs.GetSubquery().GetSelectStmt(), "derived:"+name, scope.env, parent)
		if err != nil {
			return err
		}
		scope.Sources = append(scope.Sources, &Source{Kind: SourceDerived, Name: name, Scope: sub, Columns: cols})

	case *pg_query.Node_JoinExpr:
		j := n.JoinExpr
		if err := b.addFromItem(scope, j.GetLarg()); err != nil {
			return err
		}
		if err := b.addFromItem(scope, j.GetRarg()); err != nil {
			return err
		}
		for _, u := range j.GetUsingClause() {
			scope.usingCols[strings.ToLower(u.GetString_().GetSval())] = struct{}{}
		}
		if j.GetIsNatural() {
			scope.natural = true
		}

	case *pg_query.Node_RangeTableSample:
		return b.addFromItem(scope, n.RangeTableSample.GetRelation())

	case *pg_query.Node_RangeFunction:
		name, cols := aliasOf(n.RangeFunction.GetAlias(), "function")
		scope.Sources = append(scope.Sources, &Source{Kind: SourceOpaque, Name: name, Columns: cols})

	case nil:
		return nil

	default:
		scope.Sources = append(scope.Sources, &Source{Kind: SourceOpaque, Name: "opaque"})
	}
	return nil
}

// expandStar replaces "*" or "t.*" with one output per source column.
func expandStar(scope *Scope, qualifier []string) error {
	sources := scope.Sources
	if len(qualifier) > 0 {
		src := scope.findSource(qualifier)
		if src == nil {
			return &SQLOptimizerError{Column: strings.Join(qualifier, ".") + ".*", Reason: "unknown relation"}
		}
		sources = []*Source{src}
	}
	for _, src := range sources {
		names := src.columnNames()
		if names == nil {
			return &SQLOptimizerError{Column: "*", Reason: "cannot expand star without the schema of " + src.describe()}
		}
		for _, n := range names {
			scope.addOutput(&Output{Name: n, From: src, Column: n})
		}
	}
	return nil
}

// traceOutput builds the lineage tree of one output column.
func (b *builder) traceOutput(scope *Scope, out *Output, subfield string) (*LineageNode, error) {
	if err := b.traversal.Enter(scope, out.Name); err != nil {
		return nil, err
	}
	defer b.traversal.Leave(scope, out.Name)
	if err := b.guard.Cooperate(); err != nil {
		return nil, err
	}

	node := &LineageNode{Name: out.Name, Source: scope.Name, Subfield: subfield}
	switch {
	case len(scope.Branches) > 0:
		for _, branch := range scope.Branches {
			if out.index >= len(branch.Outputs) {
				continue
			}
			child, err := b.traceOutput(branch, branch.Outputs[out.index], subfield)
			if err != nil {
				return nil, err
			}
			node.Downstream = append(node.Downstream, child)
		}
	case out.From != nil:
		child, err := b.traceColumn(out.From, out.Column, subfield)
		if err != nil {
			return nil, err
		}
		node.Downstream = append(node.Downstream, child)
	default:
		for _, expr := range out.Exprs {
			children, err := b.traceExpr(scope, expr, out.index, subfield)
			if err != nil {
				return nil, err
			}
			node.Downstream = append(node.Downstream, children...)
		}
	}
	return node, nil
}

// traceExpr resolves every column an expression reads. The subfield is
// only carried through when the expression is a bare column reference.
func (b *builder) traceExpr(scope *Scope, expr *pg_query.Node, index int, subfield string) ([]*LineageNode, error) {
	if expr.GetColumnRef() == nil {
		subfield = ""
	}

	var (
		children []*LineageNode
		walkErr  error
	)
	collect := func(nodes []*LineageNode, err error) bool {
		if err != nil {
			walkErr = err
			return false
		}
		children = append(children, nodes...)
		return false
	}

	err := parser.Walk(b.guard, expr, func(msg proto.Message) bool {
		if walkErr != nil {
			return false
		}
		switch n := msg.(type) {
		case *pg_query.ColumnRef:
			return collect(b.traceRef(scope, n, index, subfield))
		case *pg_query.A_Indirection:
			if ref := n.GetArg().GetColumnRef(); ref != nil {
				// (col).field
				return collect(b.traceRef(scope, ref, index, joinPath(indirectionPath(n), subfield)))
			}
		case *pg_query.SubLink:
			return collect(b.traceSubLink(scope, n, index))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return children, walkErr
}

func (b *builder) traceSubLink(scope *Scope, link *pg_query.SubLink, index int) ([]*LineageNode, error) {
	var children []*LineageNode
	if test := link.GetTestexpr(); test != nil {
		nodes, err := b.traceExpr(scope, test, index, "")
		if err != nil {
			return nil, err
		}
		children = append(children, nodes...)
	}
	sub, err := b.selectScope(link.GetSubselect().GetSelectStmt(), "subquery", scope.env, scope)
	if err != nil {
		return nil, err
	}
	for _, out := range sub.Outputs {
		node, err := b.traceOutput(sub, out, "")
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}
	return children, nil
}

func (b *builder) traceRef(scope *Scope, ref *pg_query.ColumnRef, index int, subfield string) ([]*LineageNode, error) {
	parts, star := columnParts(ref)
	if star || len(parts) == 0 {
		// whole-row references such as count(t.*)
		return nil, nil
	}
	resolved, err := resolve(scope, parts, index)
	if err != nil {
		return nil, err
	}
	nodes := make([]*LineageNode, 0, len(resolved))
	for _, r := range resolved {
		sub := joinPath(r.subfield, subfield)
		var (
			node *LineageNode
			err  error
		)
		if r.lateral != nil {
			node, err = b.traceOutput(r.scope, r.lateral, sub)
		} else {
			node, err = b.traceColumn(r.src, r.column, sub)
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (b *builder) traceColumn(src *Source, column, subfield string) (*LineageNode, error) {
	switch src.Kind {
	case SourceTable:
		t := src.Table
		return &LineageNode{Name: column, Source: t.String(), Subfield: subfield, table: &t}, nil
	case SourceCTE, SourceDerived:
		out := src.output(column)
		if out == nil {
			return nil, &SQLOptimizerError{Column: column, Reason: "not produced by " + src.describe()}
		}
		return b.traceOutput(src.Scope, out, subfield)
	default:
		return &LineageNode{Name: column, Source: src.Name, Subfield: subfield}, nil
	}
}

// emit turns the outputs of the reduced scope into column lineage.
func (b *builder) emit(root *Scope, renames []string, outputTable *core.TableName) ([]core.ColumnLineageInfo, error) {
	var outSchema core.SchemaInfo
	if outputTable != nil {
		outSchema = b.schemas[*outputTable]
	}

	var result []core.ColumnLineageInfo
	for i, out := range root.Outputs {
		name := out.Name
		if i < len(renames) && renames[i] != "" {
			name = renames[i]
		}
		if name == "*" || b.isPseudoColumn(name) {
			continue
		}
		node, err := b.traceOutput(root, out, "")
		if err != nil {
			return nil, err
		}
		info := core.ColumnLineageInfo{
			Downstream: core.DownstreamColumnRef{Table: outputTable, Column: name},
			Upstreams:  node.Upstreams(),
			Logic:      logic(out),
		}
		if stored, ok := outSchema.Lookup(name); ok {
			info.Downstream.NativeType = outSchema[stored]
		}
		result = core.UnionColumnLineage(result, []core.ColumnLineageInfo{info})
	}
	return result, nil
}

// isPseudoColumn reports BigQuery partition filters, which are not real columns.
func (b *builder) isPseudoColumn(name string) bool {
	if b.dialect == nil || b.dialect.Name != "bigquery" {
		return false
	}
	switch strings.ToUpper(name) {
	case "_PARTITIONTIME", "_PARTITIONDATE":
		return true
	}
	return false
}

// logic renders the expression of a computed column.
func logic(out *Output) string {
	if out.From != nil || len(out.Exprs) != 1 || out.Exprs[0].GetColumnRef() != nil {
		return ""
	}
	text, err := parser.DeparseExpr(out.Exprs[0])
	if err != nil {
		return ""
	}
	return text
}

// outputName names a select-list item the way a reader would: its alias,
// the referenced column, or the expression text.
func outputName(rt *pg_query.ResTarget, index int) string {
	if rt.GetName() != "" {
		return rt.GetName()
	}
	val := rt.GetVal()
	if arg := val.GetTypeCast().GetArg(); arg.GetColumnRef() != nil {
		val = arg
	}
	if ref := val.GetColumnRef(); ref != nil {
		if parts, _ := columnParts(ref); len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	if ind := val.GetAIndirection(); ind != nil {
		if path := indirectionPath(ind); path != "" {
			return path[strings.LastIndexByte(path, '.')+1:]
		}
	}
	if text, err := parser.DeparseExpr(val); err == nil && text != "" {
		return text
	}
	return fmt.Sprintf("_col_%d", index)
}

func columnParts(ref *pg_query.ColumnRef) (parts []string, star bool) {
	for _, f := range ref.GetFields() {
		switch {
		case f.GetString_() != nil:
			parts = append(parts, f.GetString_().GetSval())
		case f.GetAStar() != nil:
			star = true
		}
	}
	return parts, star
}

// starQualifier reports whether val is "*" or "t.*" and returns the qualifier.
func starQualifier(val *pg_query.Node) ([]string, bool) {
	ref := val.GetColumnRef()
	if ref == nil {
		return nil, false
	}
	parts, star := columnParts(ref)
	return parts, star
}

// indirectionPath returns the dotted field names of an indirection,
// ignoring array subscripts.
func indirectionPath(ind *pg_query.A_Indirection) string {
	var names []string
	for _, n := range ind.GetIndirection() {
		if s := n.GetString_(); s != nil {
			names = append(names, s.GetSval())
		}
	}
	return strings.Join(names, ".")
}

func aliasOf(alias *pg_query.Alias, fallback string) (string, []string) {
	name := alias.GetAliasname()
	if name == "" {
		name = fallback
	}
	return name, stringList(alias.GetColnames())
}

func stringList(nodes []*pg_query.Node) []string {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.GetString_().GetSval())
	}
	return out
}

func resTargetNames(nodes []*pg_query.Node) []string {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.GetResTarget().GetName())
	}
	return out
}

func rangeVarNode(rv *pg_query.RangeVar) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_RangeVar{RangeVar: rv}}
}

func joinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "." + b
}
