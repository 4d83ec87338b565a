package invoker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// GatedInvoker bounds the number of in-flight calls per provider target,
// independently of job-level concurrency, so a single upstream endpoint
// is never overwhelmed.
type GatedInvoker struct {
	next  Invoker
	limit int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewGated wraps next with a per-target concurrency ceiling
func NewGated(next Invoker, perTarget int) *GatedInvoker {
	if perTarget <= 0 {
		perTarget = 4
	}
	return &GatedInvoker{
		next:  next,
		limit: int64(perTarget),
		sems:  make(map[string]*semaphore.Weighted),
	}
}

func (g *GatedInvoker) sem(target string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[target]
	if !ok {
		s = semaphore.NewWeighted(g.limit)
		g.sems[target] = s
	}
	return s
}

// Invoke implements Invoker
func (g *GatedInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	s := g.sem(req.Target)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.Release(1)
	return g.next.Invoke(ctx, req)
}
