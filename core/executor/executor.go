// Package executor adapts script runners to tool.Executor.
package executor

import (
	"context"

	"github.com/cordum/toolforge/core/tool"
	"golang.org/x/sync/semaphore"
)

// Func adapts an ordinary function to tool.Executor.
type Func func(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error)

func (f Func) Execute(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
	return f(ctx, req)
}

// Limited refuses work beyond a fixed number of concurrent executions
// instead of queueing it.
type Limited struct {
	next tool.Executor
	sem  *semaphore.Weighted
	max  int64
}

func NewLimited(next tool.Executor, max int64) *Limited {
	if max <= 0 {
		max = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(max), max: max}
}

func (l *Limited) Execute(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
	if !l.sem.TryAcquire(1) {
		return nil, tool.Unavailable(nil, "executor at capacity").With("max_concurrency", l.max)
	}
	defer l.sem.Release(1)
	return l.next.Execute(ctx, req)
}
