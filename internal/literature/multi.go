package literature

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"genpaper/internal/logger"
)

// Multi fans a query out to several indexes. A failing index is logged and skipped;
// the search only fails when every index fails.
type Multi struct {
	sources map[string]Searcher
	order   []string
	log     *logger.Logger
}

func NewMulti(log *logger.Logger) *Multi {
	return &Multi{sources: map[string]Searcher{}, log: log.With("component", "literature")}
}

func (m *Multi) Register(name string, s Searcher) *Multi {
	if _, ok := m.sources[name]; !ok {
		m.order = append(m.order, name)
	}
	m.sources[name] = s
	return m
}

// SearchSources queries the named sources, or all registered ones when names is empty.
// Results keep registration order, then each source's own ranking.
func (m *Multi) SearchSources(ctx context.Context, query string, limit int, names []string) ([]PaperMetadata, error) {
	selected := m.order
	if len(names) > 0 {
		selected = make([]string, 0, len(names))
		for _, n := range m.order {
			for _, want := range names {
				if strings.EqualFold(strings.TrimSpace(want), n) {
					selected = append(selected, n)
					break
				}
			}
		}
	}
	if len(selected) == 0 {
		return nil, nil
	}

	results := make([][]PaperMetadata, len(selected))
	var mu sync.Mutex
	var failures []string
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range selected {
		g.Go(func() error {
			hits, err := m.sources[name].Search(gctx, query, limit)
			if err != nil {
				m.log.Warn("literature source failed", "source", name, "error", err)
				mu.Lock()
				failures = append(failures, name)
				mu.Unlock()
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) == len(selected) {
		return nil, fmt.Errorf("all literature sources failed: %s", strings.Join(failures, ", "))
	}
	out := make([]PaperMetadata, 0, limit*len(selected))
	for _, hits := range results {
		out = append(out, hits...)
	}
	return out, nil
}

func (m *Multi) Search(ctx context.Context, query string, limit int) ([]PaperMetadata, error) {
	return m.SearchSources(ctx, query, limit, nil)
}
