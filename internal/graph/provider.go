package graph

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Provider supplies ancestry to the importer.
type Provider interface {
	// GetParents returns the ordered parents of each id it knows. Ids it
	// leaves out are ghosts.
	GetParents(ctx context.Context, ids []string) (map[string][]string, error)
	// KnownAncestry may return the whole ancestry of tip at once for bulk
	// ingestion. A nil graph means the provider cannot do that. The walk
	// need not descend past revisions known reports; a nil known asks for
	// everything.
	KnownAncestry(ctx context.Context, tip string, known KnownFunc) (*Graph, error)
}

// KnownFunc reports which of ids the caller already holds together with
// their complete ancestry.
type KnownFunc func(ids []string) (map[string]bool, error)

// MemoryProvider serves ancestry from an in-memory graph.
type MemoryProvider struct {
	g    *Graph
	bulk bool

	mu    sync.Mutex
	calls int
}

// NewMemoryProvider serves g. With bulk set, KnownAncestry hands out the
// reachable subgraph instead of forcing batched lookups.
func NewMemoryProvider(g *Graph, bulk bool) *MemoryProvider {
	return &MemoryProvider{g: g, bulk: bulk}
}

func (m *MemoryProvider) GetParents(_ context.Context, ids []string) (map[string][]string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.g.Lookup(ids), nil
}

func (m *MemoryProvider) KnownAncestry(_ context.Context, tip string, _ KnownFunc) (*Graph, error) {
	if !m.bulk {
		return nil, nil
	}
	sub, _ := m.g.Ancestry(tip)
	return sub, nil
}

// Calls counts GetParents round trips.
func (m *MemoryProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CachingProvider remembers parent lists so repeated imports of nearby tips
// don't go back to the repository. Ghost answers are not cached; a ghost
// may show up later.
type CachingProvider struct {
	next  Provider
	cache *lru.Cache[string, []string]
}

// NewCachingProvider wraps next with an LRU of size entries.
func NewCachingProvider(next Provider, size int) (*CachingProvider, error) {
	c, err := lru.New[string, []string](size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{next: next, cache: c}, nil
}

func (c *CachingProvider) GetParents(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	var missing []string
	for _, id := range ids {
		if ps, ok := c.cache.Get(id); ok {
			out[id] = ps
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.next.GetParents(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, ps := range fetched {
		c.cache.Add(id, ps)
		out[id] = ps
	}
	return out, nil
}

func (c *CachingProvider) KnownAncestry(ctx context.Context, tip string, known KnownFunc) (*Graph, error) {
	return c.next.KnownAncestry(ctx, tip, known)
}
