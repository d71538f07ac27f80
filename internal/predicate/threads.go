package predicate

import (
	"sync"

	"go.starlark.net/starlark"
)

// threadPool hands out starlark threads. A thread runs one call at a
// time, so concurrent evaluations each take their own.
type threadPool struct {
	mu       sync.Mutex
	threads  []*starlark.Thread
	maxSize  int
	maxSteps uint64
}

func newThreadPool(maxSize int, maxSteps uint64) *threadPool {
	if maxSize <= 0 {
		maxSize = 8
	}
	return &threadPool{
		threads:  make([]*starlark.Thread, 0, maxSize),
		maxSize:  maxSize,
		maxSteps: maxSteps,
	}
}

// get returns an idle thread with a fresh step budget. A thread
// cancelled for running out of steps is usable again.
func (p *threadPool) get(name string) *starlark.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	var thread *starlark.Thread
	if n := len(p.threads); n > 0 {
		thread = p.threads[n-1]
		p.threads = p.threads[:n-1]
	} else {
		thread = &starlark.Thread{
			Print: func(_ *starlark.Thread, _ string) {},
		}
		if p.maxSteps > 0 {
			thread.SetMaxExecutionSteps(p.maxSteps)
		}
	}
	thread.Name = name
	thread.Steps = 0
	thread.Uncancel()
	return thread
}

// put returns a thread to the pool; it is dropped when the pool is full.
func (p *threadPool) put(thread *starlark.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.threads) < p.maxSize {
		thread.Name = ""
		p.threads = append(p.threads, thread)
	}
}

func (p *threadPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
