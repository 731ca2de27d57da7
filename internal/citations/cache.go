package citations

import (
	"context"
	"sync"
)

// RunCache deduplicates citations within one generation run. The first caller for a
// (project, paper) pair records it; concurrent callers wait for that result. Only the
// leader can report IsNew. The store's atomic upsert stays the source of truth.
type RunCache struct {
	svc *Service

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done chan struct{}
	res  AddResult
	err  error
}

func (s *Service) NewRunCache() *RunCache {
	return &RunCache{svc: s, entries: map[string]*cacheEntry{}}
}

func (c *RunCache) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	paper, err := c.svc.Resolve(ctx, req.Source)
	if err != nil {
		return AddResult{}, err
	}
	key := req.ProjectID + "|" + paper.PaperID

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return AddResult{}, ctx.Err()
		}
		if e.err != nil {
			return AddResult{}, e.err
		}
		res := e.res
		res.IsNew = false
		return res, nil
	}
	e := &cacheEntry{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.res, e.err = c.svc.record(ctx, req, paper)
	if e.err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}
	close(e.done)
	return e.res, e.err
}

// Len is the number of distinct sources recorded in this run.
func (c *RunCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
