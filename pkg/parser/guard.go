package parser

import (
	"context"
	"fmt"
)

const (
	// DefaultCheckEvery is how many visited nodes pass between context checks.
	DefaultCheckEvery = 256
	// DefaultMaxDepth bounds the nesting of any recursive AST walk.
	DefaultMaxDepth = 2000
)

// Guard is the cancellation token threaded through every deep AST walk.
// Walkers call Cooperate on each visited node and Enter/Leave around
// recursion. A Guard is not safe for concurrent use; create one per
// statement.
type Guard struct {
	ctx        context.Context
	visits     int
	depth      int
	checkEvery int
	maxDepth   int
}

// NewGuard creates a guard bound to ctx.
func NewGuard(ctx context.Context) *Guard {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Guard{ctx: ctx, checkEvery: DefaultCheckEvery, maxDepth: DefaultMaxDepth}
}

// Context returns the context the guard observes.
func (g *Guard) Context() context.Context {
	return g.ctx
}

// Cooperate counts a visited node and reports whether work must stop.
func (g *Guard) Cooperate() error {
	g.visits++
	if g.visits%g.checkEvery != 0 {
		return nil
	}
	if err := g.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStatementAborted, err)
	}
	return nil
}

// Enter records one level of recursion.
func (g *Guard) Enter() error {
	g.depth++
	if g.depth > g.maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrStatementAborted, g.maxDepth)
	}
	return nil
}

// Leave undoes one Enter.
func (g *Guard) Leave() {
	g.depth--
}

// Visits returns the number of nodes visited so far.
func (g *Guard) Visits() int {
	return g.visits
}
