package graph

import (
	"errors"
	"fmt"
)

// ErrCycle is returned when parent links loop back on themselves.
var ErrCycle = errors.New("ancestry cycle")

// Graph is an ordered parent map: revision id -> parent ids, left-hand
// parent first. Parents that are not themselves keys are ghosts.
type Graph struct {
	parents map[string][]string
	order   []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{parents: make(map[string][]string)}
}

// FromMap builds a graph from a parent map. Iteration order of the result
// follows ids as listed in order, then any remaining keys.
func FromMap(m map[string][]string, order ...string) *Graph {
	g := New()
	for _, id := range order {
		if ps, ok := m[id]; ok {
			g.Add(id, ps...)
		}
	}
	for id, ps := range m {
		if !g.Has(id) {
			g.Add(id, ps...)
		}
	}
	return g
}

// Add records id with its ordered parents. Adding an id twice keeps the
// first parent list; history is immutable.
func (g *Graph) Add(id string, parents ...string) {
	if _, ok := g.parents[id]; ok {
		return
	}
	ps := make([]string, len(parents))
	copy(ps, parents)
	g.parents[id] = ps
	g.order = append(g.order, id)
}

// Parents returns the ordered parents of id.
func (g *Graph) Parents(id string) ([]string, bool) {
	ps, ok := g.parents[id]
	return ps, ok
}

func (g *Graph) Has(id string) bool {
	_, ok := g.parents[id]
	return ok
}

func (g *Graph) Len() int { return len(g.parents) }

// IDs lists revisions in insertion order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Lookup answers a batch of parent queries the way a Provider does: ids
// the graph does not know are left out.
func (g *Graph) Lookup(ids []string) map[string][]string {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if ps, ok := g.parents[id]; ok {
			out[id] = ps
		}
	}
	return out
}

// SortNode describes id for MergeSort, dropping ghost parents.
func (g *Graph) SortNode(id string) (Node[string], bool) {
	ps, ok := g.parents[id]
	if !ok {
		return Node[string]{}, false
	}
	var n Node[string]
	for i, p := range ps {
		if !g.Has(p) {
			if i == 0 {
				n.GhostLeft = true
			}
			continue
		}
		n.Parents = append(n.Parents, p)
	}
	return n, true
}

// MergeSort numbers the full ancestry of tip.
func (g *Graph) MergeSort(tip string) ([]Entry[string], error) {
	return MergeSort(tip, g.SortNode, nil)
}

// Ancestry returns the subgraph reachable from tip, plus the ghosts it
// references in discovery order. A tip the graph does not know yields an
// empty graph and no ghosts.
func (g *Graph) Ancestry(tip string) (*Graph, []string) {
	sub := New()
	var ghosts []string
	seenGhost := make(map[string]bool)
	if !g.Has(tip) {
		return sub, nil
	}
	queue := []string{tip}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if sub.Has(id) {
			continue
		}
		ps := g.parents[id]
		sub.Add(id, ps...)
		for _, p := range ps {
			if g.Has(p) {
				if !sub.Has(p) {
					queue = append(queue, p)
				}
			} else if !seenGhost[p] {
				seenGhost[p] = true
				ghosts = append(ghosts, p)
			}
		}
	}
	return sub, ghosts
}

// GDFO ranks every revision of the graph. Ghosts rank 0, so a revision
// whose parents are all ghosts ranks 1 like a root.
func (g *Graph) GDFO() (map[string]int64, error) {
	known := make(map[string]int64)
	for _, id := range g.order {
		for _, p := range g.parents[id] {
			if !g.Has(p) {
				known[p] = 0
			}
		}
	}
	ranks, err := ComputeGDFO(g.order, func(id string) []string { return g.parents[id] }, known)
	if err != nil {
		return nil, err
	}
	return ranks, nil
}

// ComputeGDFO assigns GDFO = 1 + max(GDFO(parents)) to every id in
// pending. Ranks in known are taken as final. Every parent reached must be
// either pending-reachable through parents or present in known.
//
// Ancestors are finished before descendants using an explicit stack, so
// arbitrarily deep histories do not grow the goroutine stack.
func ComputeGDFO[K comparable](pending []K, parents func(K) []K, known map[K]int64) (map[K]int64, error) {
	type frame struct {
		id   K
		next int
	}
	ranks := make(map[K]int64, len(pending))
	rank := func(id K) (int64, bool) {
		if r, ok := known[id]; ok {
			return r, true
		}
		r, ok := ranks[id]
		return r, ok
	}
	visiting := make(map[K]bool)
	var stack []frame

	for _, start := range pending {
		if _, done := rank(start); done {
			continue
		}
		stack = append(stack[:0], frame{id: start})
		visiting[start] = true
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			ps := parents(top.id)
			descended := false
			for top.next < len(ps) {
				p := ps[top.next]
				top.next++
				if _, done := rank(p); done {
					continue
				}
				if visiting[p] {
					return nil, fmt.Errorf("%w: through %v", ErrCycle, p)
				}
				visiting[p] = true
				stack = append(stack, frame{id: p})
				descended = true
				break
			}
			if descended {
				continue
			}
			var best int64
			for _, p := range ps {
				r, _ := rank(p)
				if r > best {
					best = r
				}
			}
			ranks[top.id] = best + 1
			delete(visiting, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return ranks, nil
}
