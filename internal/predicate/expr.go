package predicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// maxSteps bounds one evaluation, so a runaway expression fails instead
// of stalling the run.
const maxSteps = 100_000

// Expr is a compiled starlark boolean expression over a table name.
//
// The expression sees these globals:
//
//	name      the full dataset name, "db.schema.table"
//	database  the database part, possibly ""
//	schema    the schema part, possibly ""
//	table     the table part
//	match     match(pattern, s): whether the regex matches at the start of s
//
// For example: table.startswith("tmp_") or match(r".*_staging$", name).
// Expr is safe for concurrent use.
type Expr struct {
	src  string
	fn   starlark.Callable
	pool *threadPool

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

// params are the parameter names of the wrapping function, in call order.
var params = []string{"name", "database", "schema", "table"}

// CompileExpr parses src. Syntax errors and unknown identifiers are
// reported here rather than on first use.
func CompileExpr(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("empty expression")
	}
	if _, err := (&syntax.FileOptions{}).ParseExpr("expr", src, 0); err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}

	e := &Expr{
		src:     src,
		pool:    newThreadPool(0, maxSteps),
		regexps: make(map[string]*regexp.Regexp),
	}
	predeclared := starlark.StringDict{
		"match": starlark.NewBuiltin("match", e.match),
	}

	file := fmt.Sprintf("def predicate(%s):\n    return (%s)\n", strings.Join(params, ", "), src)
	thread := e.pool.get("compile")
	defer e.pool.put(thread)
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "expr", file, predeclared)
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	globals.Freeze()
	e.fn = globals["predicate"].(starlark.Callable)
	return e, nil
}

// String returns the expression source.
func (e *Expr) String() string {
	return e.src
}

// Eval evaluates the expression for a dataset name and returns its truth
// value.
func (e *Expr) Eval(name string) (bool, error) {
	t := core.ParseTableName(name)
	args := starlark.Tuple{
		starlark.String(name),
		starlark.String(t.Database),
		starlark.String(t.Schema),
		starlark.String(t.Table),
	}

	thread := e.pool.get(name)
	defer e.pool.put(thread)
	v, err := starlark.Call(thread, e.fn, args, nil)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q for %s: %w", e.src, name, err)
	}
	return bool(v.Truth()), nil
}

// match implements the match(pattern, s) builtin.
func (e *Expr) match(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := e.compiled(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(re.MatchString(s)), nil
}

func (e *Expr) compiled(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, err
	}
	e.regexps[pattern] = re
	return re, nil
}

// Func adapts the expression to a plain predicate. Evaluation errors
// count as false; the first one per expression is logged as a warning
// and the rest at debug level.
func (e *Expr) Func(logger *slog.Logger) func(name string) bool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var warned sync.Once
	return func(name string) bool {
		ok, err := e.Eval(name)
		if err != nil {
			level := slog.LevelDebug
			warned.Do(func() { level = slog.LevelWarn })
			logger.Log(context.Background(), level, "table predicate failed", slog.String("table", name), slog.String("error", err.Error()))
			return false
		}
		return ok
	}
}
